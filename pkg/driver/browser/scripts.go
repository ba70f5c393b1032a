package browser

import (
	"encoding/json"
	"fmt"

	"github.com/devicelab-dev/wizard-runner/pkg/flow"
)

// handleAttr marks located elements so later actions can find them again.
const handleAttr = "data-wizard-handle"

// pageHelpers is prepended to every script. It defines role and accessible
// name resolution plus locator matching over the live DOM.
const pageHelpers = `
const HANDLE = "` + handleAttr + `";

function implicitRole(el) {
  const tag = el.tagName.toLowerCase();
  switch (tag) {
    case "button": return "button";
    case "a": return el.hasAttribute("href") ? "link" : "";
    case "select": return el.multiple ? "listbox" : "combobox";
    case "textarea": return "textbox";
    case "option": return "option";
    case "h1": case "h2": case "h3": case "h4": case "h5": case "h6": return "heading";
    case "input": {
      const type = (el.getAttribute("type") || "text").toLowerCase();
      if (["button", "submit", "reset", "image"].includes(type)) return "button";
      if (type === "checkbox") return "checkbox";
      if (type === "radio") return "radio";
      if (type === "range") return "slider";
      if (type === "hidden") return "";
      return "textbox";
    }
  }
  return "";
}

function roleOf(el) {
  const explicit = (el.getAttribute("role") || "").trim().split(/\s+/)[0];
  return explicit || implicitRole(el);
}

function textOf(el) {
  return (el.innerText || el.textContent || "").replace(/\s+/g, " ").trim();
}

function nameOf(el) {
  const label = el.getAttribute("aria-label");
  if (label) return label.trim();
  const by = el.getAttribute("aria-labelledby");
  if (by) {
    const parts = by.split(/\s+/).map(id => document.getElementById(id)).filter(Boolean).map(textOf);
    if (parts.length) return parts.join(" ");
  }
  if (el.labels && el.labels.length) return Array.from(el.labels).map(textOf).join(" ");
  const tag = el.tagName.toLowerCase();
  if (tag === "input" || tag === "textarea" || tag === "select") {
    const type = (el.getAttribute("type") || "").toLowerCase();
    if (["button", "submit", "reset"].includes(type) && el.value) return el.value;
    return (el.getAttribute("placeholder") || el.getAttribute("title") || "").trim();
  }
  if (tag === "img") return (el.getAttribute("alt") || "").trim();
  return textOf(el) || (el.getAttribute("title") || "").trim();
}

function isVisible(el) {
  if (el.closest("[hidden]")) return false;
  const style = window.getComputedStyle(el);
  if (style.display === "none" || style.visibility === "hidden" || style.visibility === "collapse") return false;
  return el.getClientRects().length > 0;
}

function isEnabled(el) {
  if (el.disabled) return false;
  if (el.getAttribute("aria-disabled") === "true") return false;
  return !el.closest("fieldset[disabled]");
}

function matches(el, loc) {
  if (loc.testId && el.getAttribute("data-testid") !== loc.testId) return false;
  if (loc.role && roleOf(el) !== loc.role.toLowerCase()) return false;
  if (loc.attributes) {
    for (const [k, v] of Object.entries(loc.attributes)) {
      if (el.getAttribute(k) !== v) return false;
    }
  }
  if (loc.text && !new RegExp(loc.text, "i").test(nameOf(el))) return false;
  return true;
}

function candidates(loc) {
  if (loc.css) return Array.from(document.querySelectorAll(loc.css));
  if (loc.testId) return Array.from(document.querySelectorAll("[data-testid]"));
  return Array.from(document.querySelectorAll("body *"));
}

function innermost(list) {
  return list.filter(el => !list.some(other => other !== el && el.contains(other)));
}

function findAll(loc) {
  let found = candidates(loc).filter(el => matches(el, loc));
  if (loc.text && !loc.css && !loc.testId && !loc.role) {
    const withRole = found.filter(el => roleOf(el));
    if (withRole.length) found = withRole;
    found = innermost(found);
  }
  return found;
}

function describe(el) {
  const r = el.getBoundingClientRect();
  const attrs = {};
  for (const a of el.attributes) {
    if (a.name !== HANDLE) attrs[a.name] = a.value;
  }
  return {
    tag: el.tagName.toLowerCase(),
    role: roleOf(el),
    name: nameOf(el),
    text: textOf(el).slice(0, 200),
    testId: el.getAttribute("data-testid") || "",
    bounds: {x: Math.round(r.x), y: Math.round(r.y), width: Math.round(r.width), height: Math.round(r.height)},
    visible: isVisible(el),
    enabled: isEnabled(el),
    attributes: attrs,
  };
}

function byHandle(handle) {
  return document.querySelector("[" + HANDLE + "=\"" + handle + "\"]");
}
`

// locateBody resolves a locator and tags the single usable match.
const locateBody = `
const all = findAll(loc);
const visible = all.filter(isVisible);
const usable = visible.filter(isEnabled);
if (all.length === 0) return {status: "absent", matches: 0};
if (visible.length === 0) return {status: "hidden", matches: all.length};
if (usable.length > 1) return {status: "ambiguous", matches: usable.length};
if (usable.length === 0) return {status: "disabled", matches: visible.length};
const el = usable[0];
window.__wizardSeq = (window.__wizardSeq || 0) + 1;
const handle = "h" + window.__wizardSeq;
el.setAttribute(HANDLE, handle);
el.scrollIntoView({block: "center", inline: "center"});
return {status: "ok", matches: 1, handle: handle, element: describe(el)};
`

// prepareBody readies a handled element for input and reports its bounds.
const prepareBody = `
const el = byHandle(arg.handle);
if (!el) return {error: "element is detached"};
if (!isVisible(el)) return {error: "element is not visible"};
if (!isEnabled(el)) return {error: "element is disabled"};
el.scrollIntoView({block: "center", inline: "center"});
if (arg.clear) {
  el.focus();
  if ("value" in el) {
    el.value = "";
    el.dispatchEvent(new Event("input", {bubbles: true}));
  }
}
return {element: describe(el)};
`

// selectBody chooses an option by visible text or value, case-insensitively.
const selectBody = `
const el = byHandle(arg.handle);
if (!el) return {error: "element is detached"};
const want = String(arg.option).toLowerCase();
const options = Array.from(el.options || el.querySelectorAll("[role=option]"));
const opt = options.find(o => textOf(o).toLowerCase() === want || String(o.value || "").toLowerCase() === want);
if (!opt) return {error: "option \"" + arg.option + "\" not found in [" + options.map(textOf).join(", ") + "]"};
if (el.tagName.toLowerCase() === "select") {
  el.value = opt.value;
  el.dispatchEvent(new Event("input", {bubbles: true}));
  el.dispatchEvent(new Event("change", {bubbles: true}));
} else {
  opt.click();
}
return {};
`

// observeBody reads the page state a condition is checked against.
const observeBody = `
const out = {text: document.body ? document.body.innerText : "", url: location.href};
const anyVisible = l => findAll(l).some(isVisible);
if (arg.visible) out.visible = anyVisible(arg.visible);
if (arg.notVisible) out.notVisible = anyVisible(arg.notVisible);
return out;
`

// wrap builds an immediately invoked script with the helpers in scope and
// arg bound to the JSON encoding of v.
func wrap(name, body string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s argument: %w", name, err)
	}
	return fmt.Sprintf("(function(arg) {\n%s\nconst loc = arg;\n%s\n})(%s)", pageHelpers, body, data), nil
}

func locateScript(loc flow.Locator) (string, error) {
	return wrap("locate", locateBody, loc)
}

type prepareArg struct {
	Handle string `json:"handle"`
	Clear  bool   `json:"clear"`
}

func prepareScript(handle string, clear bool) (string, error) {
	return wrap("prepare", prepareBody, prepareArg{Handle: handle, Clear: clear})
}

type selectArg struct {
	Handle string `json:"handle"`
	Option string `json:"option"`
}

func selectScript(handle, option string) (string, error) {
	return wrap("select", selectBody, selectArg{Handle: handle, Option: option})
}

type observeArg struct {
	Visible    *flow.Locator `json:"visible,omitempty"`
	NotVisible *flow.Locator `json:"notVisible,omitempty"`
}

func observeScript(cond flow.Condition) (string, error) {
	return wrap("observe", observeBody, observeArg{Visible: cond.Visible, NotVisible: cond.NotVisible})
}
