package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	envHome = "WIZARD_RUNNER_HOME"

	// userHomeDirName is the home directory under the user's home when no
	// other location applies.
	userHomeDirName = ".wizard-runner"
)

var (
	homeOnce sync.Once
	homeDir  string
)

// GetHome returns the wizard-runner home directory, which holds browser
// profiles under cache/ and the run history under data/.
//
// Resolution order:
//  1. $WIZARD_RUNNER_HOME
//  2. <home> when the binary is installed as <home>/bin/wizard-runner
//  3. ~/.wizard-runner
//  4. The working directory
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome()
	})
	return homeDir
}

// GetCacheDir returns <home>/cache.
func GetCacheDir() string {
	return filepath.Join(GetHome(), "cache")
}

// GetProfileDir returns <home>/cache/profiles/<name>, the browser user data
// directory for a named profile.
func GetProfileDir(name string) string {
	return filepath.Join(GetCacheDir(), "profiles", name)
}

// GetDataDir returns <home>/data, where run history is kept.
func GetDataDir() string {
	return filepath.Join(GetHome(), "data")
}

// EnsureHome creates the cache and data directories.
func EnsureHome() error {
	for _, dir := range []string{GetCacheDir(), GetDataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func resolveHome() string {
	if env := os.Getenv(envHome); env != "" {
		return env
	}
	if dir := installHome(); dir != "" {
		return dir
	}
	if user, err := os.UserHomeDir(); err == nil && user != "" {
		return filepath.Join(user, userHomeDirName)
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// installHome returns <home> for a binary at <home>/bin/, or "".
func installHome() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}
	binDir := filepath.Dir(execPath)
	if filepath.Base(binDir) != "bin" {
		return ""
	}
	return filepath.Dir(binDir)
}

// ResetHome forgets the resolved home so the next call resolves it again.
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}
