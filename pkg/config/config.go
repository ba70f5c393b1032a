// Package config handles workspace configuration for wizard-runner.
//
// Settings come from, highest priority first: WIZARD_RUNNER_* environment
// variables, the file given with --config, wizard-runner.yaml in the flow
// directory or the home directory, and the defaults below.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/wizard-runner/pkg/core"
)

const (
	// AppName is the config file base name (wizard-runner.yaml).
	AppName = "wizard-runner"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "WIZARD_RUNNER"
)

// Config represents the workspace configuration.
type Config struct {
	// Flow selection
	Flows       []string `mapstructure:"flows"`       // Glob patterns for flows
	IncludeTags []string `mapstructure:"includeTags"` // Tags to include
	ExcludeTags []string `mapstructure:"excludeTags"` // Tags to exclude

	// Variables applied on top of each flow's env
	Env map[string]string `mapstructure:"env"`

	Browser   BrowserConfig       `mapstructure:"browser"`
	Execution ExecutionConfig     `mapstructure:"execution"`
	Artifacts core.ArtifactConfig `mapstructure:"artifacts"`
	Report    ReportConfig        `mapstructure:"report"`
	History   HistoryConfig       `mapstructure:"history"`
	Monitor   MonitorConfig       `mapstructure:"monitor"`
	Log       LogConfig           `mapstructure:"log"`
}

// BrowserConfig controls the Chrome instances flows run in.
type BrowserConfig struct {
	Headless     bool   `mapstructure:"headless"`
	NoSandbox    bool   `mapstructure:"noSandbox"`
	WindowWidth  int    `mapstructure:"windowWidth" validate:"gte=320"`
	WindowHeight int    `mapstructure:"windowHeight" validate:"gte=240"`
	UserAgent    string `mapstructure:"userAgent"`
	ExecPath     string `mapstructure:"execPath"` // Chrome binary, found on PATH when empty
	Profile      string `mapstructure:"profile"`  // Named user data dir under <home>/cache/profiles
	RemoteURL    string `mapstructure:"remoteUrl" validate:"omitempty,url"`
}

// ExecutionConfig holds sequencer defaults and run-level settings.
type ExecutionConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval" validate:"gt=0"`
	TimeoutMs    int           `mapstructure:"timeoutMs" validate:"gt=0"`
	Retries      int           `mapstructure:"retries" validate:"gte=0,lte=10"`
	Workers      int           `mapstructure:"workers" validate:"gte=1,lte=32"`
	StopOnFail   bool          `mapstructure:"stopOnFail"`
	ErrorMarkers []string      `mapstructure:"errorMarkers" validate:"dive,required,regexp"`
}

// ReportConfig controls where and how reports are written.
type ReportConfig struct {
	OutputDir   string `mapstructure:"outputDir" validate:"required"`
	Title       string `mapstructure:"title"`
	EmbedAssets bool   `mapstructure:"embedAssets"`
	Allure      bool   `mapstructure:"allure"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Keep    int    `mapstructure:"keep" validate:"gte=0"` // Runs kept after pruning, 0 keeps all
}

// MonitorConfig configures scheduled runs.
type MonitorConfig struct {
	Schedule string `mapstructure:"schedule"` // Cron spec, e.g. "*/15 * * * *" or "@every 10m"
}

// LogConfig controls the log file.
type LogConfig struct {
	Format  string `mapstructure:"format" validate:"oneof=human json"`
	Verbose bool   `mapstructure:"verbose"`
}

// Loader reads configuration through viper.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
}

// NewLoader creates a Loader with defaults and environment bindings set.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, validate: newValidator()}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("flows", []string{})
	v.SetDefault("includeTags", []string{})
	v.SetDefault("excludeTags", []string{})
	v.SetDefault("env", map[string]string{})

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.noSandbox", false)
	v.SetDefault("browser.windowWidth", 1280)
	v.SetDefault("browser.windowHeight", 800)
	v.SetDefault("browser.userAgent", "")
	v.SetDefault("browser.execPath", "")
	v.SetDefault("browser.profile", "")
	v.SetDefault("browser.remoteUrl", "")

	v.SetDefault("execution.pollInterval", 100*time.Millisecond)
	v.SetDefault("execution.timeoutMs", 10000)
	v.SetDefault("execution.retries", 0)
	v.SetDefault("execution.workers", 1)
	v.SetDefault("execution.stopOnFail", false)
	v.SetDefault("execution.errorMarkers", []string{})

	art := core.DefaultArtifactConfig()
	v.SetDefault("artifacts.captureOnFailure", art.CaptureOnFailure)
	v.SetDefault("artifacts.captureOnSuccess", art.CaptureOnSuccess)
	v.SetDefault("artifacts.screenshot", art.Screenshot)
	v.SetDefault("artifacts.dom", art.DOM)
	v.SetDefault("artifacts.console", art.Console)
	v.SetDefault("artifacts.pageMarkdown", art.PageMarkdown)

	v.SetDefault("report.outputDir", "reports")
	v.SetDefault("report.title", "")
	v.SetDefault("report.embedAssets", false)
	v.SetDefault("report.allure", false)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("history.keep", 200)

	v.SetDefault("monitor.schedule", "@every 15m")

	v.SetDefault("log.format", "human")
	v.SetDefault("log.verbose", false)
}

// Load reads the file at path, or searches dir and the home directory for
// wizard-runner.yaml when path is empty. A missing file is not an error when
// searching.
func (l *Loader) Load(path, dir string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(AppName)
		l.v.SetConfigType("yaml")
		if dir != "" {
			l.v.AddConfigPath(dir)
		}
		l.v.AddConfigPath(GetHome())
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Viper lowercases keys; variable names are case sensitive
	if used := l.v.ConfigFileUsed(); used != "" && len(cfg.Env) > 0 {
		env, err := readEnv(used)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.Env = env
	}

	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(GetDataDir(), "history")
	}

	if err := l.validate.Struct(&cfg); err != nil {
		return nil, core.ErrInvalidConfig.WithCause(err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file the last Load read, or "".
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path, "")
}

// LoadFromDir looks for wizard-runner.yaml in the directory, falling back to
// defaults when there is none.
func LoadFromDir(dir string) (*Config, error) {
	return NewLoader().Load("", dir)
}

// readEnv reads the env section of a YAML config file with its keys intact.
func readEnv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}
	var raw struct {
		Env map[string]string `yaml:"env"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw.Env, nil
}

// newValidator registers the regexp tag used for error marker patterns.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	return v
}
