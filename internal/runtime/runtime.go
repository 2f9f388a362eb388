// Package runtime is the Runtime Registry Adapter (C5): it resolves
// (language, version) requests against the installed package directory
// and returns immutable RuntimeDescriptor values.
package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/judgesession/internal/config"
	"github.com/coderunr/judgesession/internal/types"
)

var (
	runtimes []types.RuntimeDescriptor
	mutex    sync.RWMutex
	logger   = logrus.WithField("component", "runtime")
)

// Manager loads installed packages into the in-process registry.
type Manager struct {
	config *config.Config
}

// NewManager creates a new runtime registry manager.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{config: cfg}
}

// LoadPackages loads all installed packages from the data directory.
func (m *Manager) LoadPackages() error {
	packagesDir := filepath.Join(m.config.DataDirectory, "packages")

	if _, err := os.Stat(packagesDir); os.IsNotExist(err) {
		logger.Warn("packages directory does not exist, creating it")
		if err := os.MkdirAll(packagesDir, 0755); err != nil {
			return fmt.Errorf("failed to create packages directory: %w", err)
		}
		return nil
	}

	languages, err := os.ReadDir(packagesDir)
	if err != nil {
		return fmt.Errorf("failed to read packages directory: %w", err)
	}

	for _, lang := range languages {
		if !lang.IsDir() {
			continue
		}

		langDir := filepath.Join(packagesDir, lang.Name())
		versions, err := os.ReadDir(langDir)
		if err != nil {
			logger.WithError(err).Warnf("failed to read language directory: %s", langDir)
			continue
		}

		for _, version := range versions {
			if !version.IsDir() {
				continue
			}

			packageDir := filepath.Join(langDir, version.Name())
			if err := m.loadPackage(packageDir); err != nil {
				logger.WithError(err).Warnf("failed to load package: %s", packageDir)
				continue
			}
		}
	}

	logger.Infof("loaded %d runtimes", len(runtimes))
	return nil
}

// LoadPackage loads a single package from the given directory.
func (m *Manager) LoadPackage(packageDir string) error {
	return m.loadPackage(packageDir)
}

func (m *Manager) loadPackage(packageDir string) error {
	installedFile := filepath.Join(packageDir, ".ppman-installed")
	if _, err := os.Stat(installedFile); os.IsNotExist(err) {
		return nil // not installed, skip
	}

	infoFile := filepath.Join(packageDir, "pkg-info.json")
	infoData, err := os.ReadFile(infoFile)
	if err != nil {
		return fmt.Errorf("failed to read pkg-info.json: %w", err)
	}

	var info struct {
		Language string   `json:"language"`
		Version  string   `json:"version"`
		Aliases  []string `json:"aliases"`
		Provides []struct {
			Language       string                 `json:"language"`
			Aliases        []string               `json:"aliases"`
			LimitOverrides map[string]interface{} `json:"limit_overrides"`
		} `json:"provides"`
		LimitOverrides map[string]interface{} `json:"limit_overrides"`
	}

	if err := json.Unmarshal(infoData, &info); err != nil {
		return fmt.Errorf("failed to parse pkg-info.json: %w", err)
	}

	version, err := semver.NewVersion(info.Version)
	if err != nil {
		return fmt.Errorf("failed to parse version %s: %w", info.Version, err)
	}

	compiled := false
	compileScript := filepath.Join(packageDir, "compile")
	if _, err := os.Stat(compileScript); err == nil {
		compiled = true
	}

	envVars, err := m.loadEnvVars(packageDir)
	if err != nil {
		logger.WithError(err).Warnf("failed to load environment variables for %s", packageDir)
		envVars = []string{}
	}

	mutex.Lock()
	defer mutex.Unlock()

	build := func(language string, aliases []string, overrides map[string]interface{}) types.RuntimeDescriptor {
		compileCmd := ""
		if compiled {
			compileCmd = filepath.Join(packageDir, "compile")
		}
		return types.RuntimeDescriptor{
			Language:        language,
			Version:         version,
			Aliases:         aliases,
			PkgDir:          packageDir,
			Runtime:         info.Language,
			CompileCmd:      compileCmd,
			RunCmd:          filepath.Join(packageDir, "run"),
			Timeouts:        m.computeTimeouts(language, overrides),
			CPUTimes:        m.computeCPUTimes(language, overrides),
			MemoryLimits:    m.computeMemoryLimits(language, overrides),
			MaxProcessCount: m.computeIntLimit(language, "max_process_count", overrides),
			MaxOpenFiles:    m.computeIntLimit(language, "max_open_files", overrides),
			MaxFileSize:     m.computeInt64Limit(language, "max_file_size", overrides),
			OutputMaxSize:   m.computeIntLimit(language, "output_max_size", overrides),
			Compiled:        compiled,
			EnvVars:         envVars,
		}
	}

	if len(info.Provides) > 0 {
		for _, provide := range info.Provides {
			// Appended in file order, so a later provides entry wins
			// the version tie-break in Resolve.
			runtimes = append(runtimes, build(provide.Language, provide.Aliases, provide.LimitOverrides))
		}
	} else {
		runtimes = append(runtimes, build(info.Language, info.Aliases, info.LimitOverrides))
	}

	logger.Debugf("loaded package %s-%s", info.Language, info.Version)
	return nil
}

func (m *Manager) loadEnvVars(packageDir string) ([]string, error) {
	envFile := filepath.Join(packageDir, ".env")
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return []string{}, nil
	}

	content, err := os.ReadFile(envFile)
	if err != nil {
		return nil, err
	}

	envContent := strings.TrimSpace(string(content))
	if envContent == "" {
		return []string{}, nil
	}

	return strings.Split(envContent, "\n"), nil
}

// GetRuntimes returns a copy of all loaded runtime descriptors.
func GetRuntimes() []types.RuntimeDescriptor {
	mutex.RLock()
	defer mutex.RUnlock()

	result := make([]types.RuntimeDescriptor, len(runtimes))
	copy(result, runtimes)
	return result
}

// Reset clears the registry. Used by tests to isolate fixture loads.
func Reset() {
	mutex.Lock()
	defer mutex.Unlock()
	runtimes = nil
}

// Resolve finds the runtime matching language and a semver constraint (an
// exact version or a range such as "*" / "^3"). Among matches, the
// highest satisfying version wins; ties are broken by later install
// order — the later entry in the registry wins.
func Resolve(language, versionSpec string) (*types.RuntimeDescriptor, error) {
	constraint, err := semver.NewConstraint(versionSpec)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid version constraint: %s", types.ErrRuntimeUnknown, err)
	}

	mutex.RLock()
	defer mutex.RUnlock()

	var latest *types.RuntimeDescriptor
	for i := range runtimes {
		rt := runtimes[i]
		if rt.Language != language && !contains(rt.Aliases, language) {
			continue
		}
		if !constraint.Check(rt.Version) {
			continue
		}
		if latest == nil || rt.Version.GreaterThan(latest.Version) || rt.Version.Equal(latest.Version) {
			latest = &rt
		}
	}

	if latest == nil {
		return nil, fmt.Errorf("%w: %s-%s", types.ErrRuntimeUnknown, language, versionSpec)
	}

	return latest, nil
}

// GetLatestRuntimeMatchingLanguageVersion is retained as an alias for
// Resolve, for callers that prefer the descriptive name.
func GetLatestRuntimeMatchingLanguageVersion(language, version string) (*types.RuntimeDescriptor, error) {
	return Resolve(language, version)
}

// GetRuntimeByNameAndVersion returns the first registered runtime whose
// underlying toolchain name (rather than the language alias presented to
// clients) matches and whose version satisfies the version constraint.
func GetRuntimeByNameAndVersion(runtimeName, version string) (*types.RuntimeDescriptor, error) {
	constraint, err := semver.NewConstraint(version)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid version constraint: %s", types.ErrRuntimeUnknown, err)
	}

	mutex.RLock()
	defer mutex.RUnlock()

	for i := range runtimes {
		rt := runtimes[i]
		if (rt.Runtime == runtimeName || (rt.Runtime == "" && rt.Language == runtimeName)) &&
			constraint.Check(rt.Version) {
			return &rt, nil
		}
	}

	return nil, fmt.Errorf("%w: %s-%s", types.ErrRuntimeUnknown, runtimeName, version)
}

func (m *Manager) computeTimeouts(language string, overrides map[string]interface{}) types.Timeouts {
	return types.Timeouts{
		Compile: m.computeDurationLimit(language, "compile_timeout", overrides, m.config.CompileTimeout),
		Run:     m.computeDurationLimit(language, "run_timeout", overrides, m.config.RunTimeout),
	}
}

func (m *Manager) computeCPUTimes(language string, overrides map[string]interface{}) types.CPUTimes {
	return types.CPUTimes{
		Compile: m.computeDurationLimit(language, "compile_cpu_time", overrides, m.config.CompileCPUTime),
		Run:     m.computeDurationLimit(language, "run_cpu_time", overrides, m.config.RunCPUTime),
	}
}

func (m *Manager) computeMemoryLimits(language string, overrides map[string]interface{}) types.MemoryLimits {
	return types.MemoryLimits{
		Compile: m.computeInt64Limit(language, "compile_memory_limit", overrides),
		Run:     m.computeInt64Limit(language, "run_memory_limit", overrides),
	}
}

func (m *Manager) computeDurationLimit(language, limitName string, overrides map[string]interface{}, defaultValue time.Duration) time.Duration {
	if value, exists := m.config.GetLimitOverride(language, limitName); exists {
		if duration, ok := value.(time.Duration); ok {
			return duration
		}
		if ms, ok := value.(int); ok {
			return time.Duration(ms) * time.Millisecond
		}
	}

	if overrides != nil {
		if value, exists := overrides[limitName]; exists {
			if ms, ok := value.(float64); ok {
				return time.Duration(ms) * time.Millisecond
			}
			if ms, ok := value.(int); ok {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}

	return defaultValue
}

func (m *Manager) computeIntLimit(language, limitName string, overrides map[string]interface{}) int {
	if value, exists := m.config.GetLimitOverride(language, limitName); exists {
		if intValue, ok := value.(int); ok {
			return intValue
		}
	}

	if overrides != nil {
		if value, exists := overrides[limitName]; exists {
			if intValue, ok := value.(float64); ok {
				return int(intValue)
			}
			if intValue, ok := value.(int); ok {
				return intValue
			}
		}
	}

	switch limitName {
	case "max_process_count":
		return m.config.MaxProcessCount
	case "max_open_files":
		return m.config.MaxOpenFiles
	case "output_max_size":
		return m.config.OutputMaxSize
	default:
		return 0
	}
}

func (m *Manager) computeInt64Limit(language, limitName string, overrides map[string]interface{}) int64 {
	if value, exists := m.config.GetLimitOverride(language, limitName); exists {
		if intValue, ok := value.(int64); ok {
			return intValue
		}
		if intValue, ok := value.(int); ok {
			return int64(intValue)
		}
	}

	if overrides != nil {
		if value, exists := overrides[limitName]; exists {
			if intValue, ok := value.(float64); ok {
				return int64(intValue)
			}
			if intValue, ok := value.(int); ok {
				return int64(intValue)
			}
		}
	}

	switch limitName {
	case "compile_memory_limit":
		return m.config.CompileMemoryLimit
	case "run_memory_limit":
		return m.config.RunMemoryLimit
	case "max_file_size":
		return m.config.MaxFileSize
	default:
		return -1
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
