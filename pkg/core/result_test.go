package core

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func recordPassed(r *FlowRecorder, idx int, id string) {
	r.Record(StepResult{Index: idx, StepID: id, Status: StatusPassed, Attempts: 1, LocatorIndex: 0})
}

func TestFlowRecorder_Completed(t *testing.T) {
	r := NewFlowRecorder("wizard", t0)
	r.SetPlatform(&PlatformInfo{Platform: "mock"})
	recordPassed(r, 0, "a")
	recordPassed(r, 1, "b")

	res := r.Finish(Completed(), t0.Add(1500*time.Millisecond))

	if res.Name() != "wizard" {
		t.Errorf("Name() = %q", res.Name())
	}
	if !res.Success() || res.Status() != StatusPassed {
		t.Errorf("Success()/Status() = %v/%s", res.Success(), res.Status())
	}
	if got := strings.Join(res.CompletedSteps(), ","); got != "a,b" {
		t.Errorf("CompletedSteps() = %q, want a,b", got)
	}
	if res.Failure() != nil {
		t.Errorf("Failure() = %+v, want nil", res.Failure())
	}
	if res.Duration() != 1500*time.Millisecond {
		t.Errorf("Duration() = %v", res.Duration())
	}
	if res.Platform() == nil || res.Platform().Platform != "mock" {
		t.Errorf("Platform() = %+v", res.Platform())
	}
}

func TestFlowRecorder_Failed(t *testing.T) {
	r := NewFlowRecorder("wizard", t0)
	recordPassed(r, 0, "a")
	r.Record(StepResult{Index: 1, StepID: "b", Status: StatusFailed, Kind: KindPostConditionTimeout})
	r.Fail(StepFailure{Index: 1, StepID: "b", Kind: KindPostConditionTimeout, Message: "timed out"})
	r.Fail(StepFailure{Index: 2, StepID: "c", Kind: KindCancelled})
	r.SetDiagnostic(&Diagnostic{URL: "http://x", Screenshot: []byte{1, 2}, DOM: "<html></html>"})

	res := r.Finish(FailedAt(1), t0.Add(time.Second))

	f := res.Failure()
	if f == nil {
		t.Fatal("Failure() = nil")
	}
	if f.Index != 1 || f.StepID != "b" || f.Kind != KindPostConditionTimeout {
		t.Errorf("Failure() = %+v, first failure should win", f)
	}
	if got := res.CompletedSteps(); len(got) != 1 || got[0] != "a" {
		t.Errorf("CompletedSteps() = %v", got)
	}
	if len(res.Steps()) != 2 {
		t.Errorf("len(Steps()) = %d, want 2", len(res.Steps()))
	}
	if len(res.Artifacts()) != 2 {
		t.Errorf("len(Artifacts()) = %d, want 2 (screenshot, dom)", len(res.Artifacts()))
	}
	if res.State() != FailedAt(1) {
		t.Errorf("State() = %s, want Failed(1)", res.State())
	}
}

func TestFlowResult_Immutable(t *testing.T) {
	r := NewFlowRecorder("wizard", t0)
	r.Record(StepResult{StepID: "a", Status: StatusPassed, Element: &ElementInfo{Name: "Next"}, Details: map[string]interface{}{"k": "v"}})
	r.Fail(StepFailure{StepID: "b", Details: map[string]interface{}{"reason": "absent"}})
	r.SetDiagnostic(&Diagnostic{Screenshot: []byte{1}})
	res := r.Finish(FailedAt(1), t0)

	ids := res.CompletedSteps()
	ids[0] = "mutated"
	steps := res.Steps()
	steps[0].Element.Name = "mutated"
	steps[0].Details["k"] = "mutated"
	f := res.Failure()
	f.Details["reason"] = "mutated"
	f.Kind = KindCancelled
	arts := res.Artifacts()
	arts[0].Body[0] = 9

	if res.CompletedSteps()[0] != "a" {
		t.Error("CompletedSteps() exposes internal slice")
	}
	if res.Steps()[0].Element.Name != "Next" || res.Steps()[0].Details["k"] != "v" {
		t.Error("Steps() exposes internal state")
	}
	if res.Failure().Details["reason"] != "absent" || res.Failure().Kind != KindNone {
		t.Error("Failure() exposes internal state")
	}
	if res.Artifacts()[0].Body[0] != 1 {
		t.Error("Artifacts() exposes internal bytes")
	}

	// Recording after Finish must not leak into the finished result.
	recordPassed(r, 2, "late")
	if len(res.Steps()) != 1 {
		t.Error("finished result changed after further recording")
	}
}

func TestFlowRecorder_Concurrent(t *testing.T) {
	r := NewFlowRecorder("wizard", t0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recordPassed(r, i, "s")
		}(i)
	}
	wg.Wait()

	if got := len(r.Finish(Completed(), t0).Steps()); got != 50 {
		t.Errorf("len(Steps()) = %d, want 50", got)
	}
}

func TestFlowResult_MarshalJSON(t *testing.T) {
	r := NewFlowRecorder("wizard", t0)
	recordPassed(r, 0, "a")
	r.Record(StepResult{Index: 1, StepID: "b", Status: StatusFailed, Kind: KindElementNotFound})
	r.Fail(StepFailure{Index: 1, StepID: "b", Kind: KindElementNotFound, Message: "no element matches"})
	res := r.Finish(FailedAt(1), t0.Add(250*time.Millisecond))

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["state"] != "Failed(1)" {
		t.Errorf("state = %v", decoded["state"])
	}
	if decoded["status"] != "failed" {
		t.Errorf("status = %v", decoded["status"])
	}
	if decoded["durationMs"] != float64(250) {
		t.Errorf("durationMs = %v", decoded["durationMs"])
	}
	failure := decoded["failure"].(map[string]interface{})
	if failure["kind"] != "ElementNotFound" {
		t.Errorf("failure.kind = %v", failure["kind"])
	}
}

func TestFlowResult_ZeroValueJSON(t *testing.T) {
	data, err := json.Marshal(FlowResult{})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"completedSteps":[]`) {
		t.Errorf("zero result JSON = %s, want empty completedSteps array", data)
	}
}

func TestStepFailure_Error(t *testing.T) {
	f := &StepFailure{Index: 3, StepID: "advance", Kind: KindActionFailed, Message: "element is disabled"}
	want := "step 3 (advance): ActionFailed: element is disabled"
	if got := f.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSuiteResult_ComputeSummary(t *testing.T) {
	passed := NewFlowRecorder("a", t0)
	passed.Record(StepResult{StepID: "x", Status: StatusPassed, Flaky: true})
	failed := NewFlowRecorder("b", t0)

	suite := &SuiteResult{
		Flows: []FlowResult{
			passed.Finish(Completed(), t0),
			failed.Finish(FailedAt(0), t0),
			{},
		},
	}
	suite.ComputeSummary()

	if suite.TotalFlows != 3 || suite.PassedFlows != 1 || suite.FailedFlows != 1 || suite.SkippedFlows != 1 {
		t.Errorf("summary = %+v", suite)
	}
	if suite.FlakyFlows != 1 {
		t.Errorf("FlakyFlows = %d, want 1", suite.FlakyFlows)
	}
}
