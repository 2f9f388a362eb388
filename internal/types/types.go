// Package types holds the data model shared by the judge session engine:
// runtime descriptors, source files, resource limits, sandbox handles,
// stage results and the Job state machine.
package types

import (
	"time"

	"github.com/Masterminds/semver/v3"
)

// JobState is the state of a Job's compile/run lifecycle.
type JobState int

const (
	JobStateNew JobState = iota
	JobStatePrimed
	JobStateCompiled
	JobStateFailed
	JobStateClosed
)

func (s JobState) String() string {
	switch s {
	case JobStateNew:
		return "New"
	case JobStatePrimed:
		return "Primed"
	case JobStateCompiled:
		return "Compiled"
	case JobStateFailed:
		return "Failed"
	case JobStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SourceFile is one user-submitted source file.
type SourceFile struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"` // utf8 (default) | base64 | hex
}

// Timeouts holds wall-clock timeout limits for the two stages.
type Timeouts struct {
	Compile time.Duration `json:"compile"`
	Run     time.Duration `json:"run"`
}

// CPUTimes holds CPU time limits for the two stages.
type CPUTimes struct {
	Compile time.Duration `json:"compile"`
	Run     time.Duration `json:"run"`
}

// MemoryLimits holds memory limits (bytes) for the two stages. A value
// <= 0 means unbounded at the configured layer.
type MemoryLimits struct {
	Compile int64 `json:"compile"`
	Run     int64 `json:"run"`
}

// LimitSet is the effective (timeout, cpu_time, memory) triple applied to
// a single stage invocation. A field <= 0 means unbounded.
type LimitSet struct {
	TimeoutMs   int64 `json:"timeout_ms"`
	CPUTimeMs   int64 `json:"cpu_time_ms"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// LimitOverride is the nilable per-request variant of LimitSet: nil means
// "not supplied, inherit".
type LimitOverride struct {
	TimeoutMs   *int64
	CPUTimeMs   *int64
	MemoryBytes *int64
}

// ApplyOverride layers override atop base and clamps every field to max
// (a value <= 0 in max means that field is unbounded at the configured
// layer, so the requested/base value passes through unclamped).
func ApplyOverride(base LimitSet, override LimitOverride, max LimitSet) LimitSet {
	result := base
	if override.TimeoutMs != nil {
		result.TimeoutMs = *override.TimeoutMs
	}
	if override.CPUTimeMs != nil {
		result.CPUTimeMs = *override.CPUTimeMs
	}
	if override.MemoryBytes != nil {
		result.MemoryBytes = *override.MemoryBytes
	}
	result.TimeoutMs = clamp(result.TimeoutMs, max.TimeoutMs)
	result.CPUTimeMs = clamp(result.CPUTimeMs, max.CPUTimeMs)
	result.MemoryBytes = clamp(result.MemoryBytes, max.MemoryBytes)
	return result
}

// clamp returns min(v, max) when max bounds the layer (max > 0); an
// unset or out-of-range v falls back to max itself. Negative overrides
// must be rejected by ExceedsMax before reaching here — clamp has no
// way to distinguish "not supplied" from "negative".
func clamp(v, max int64) int64 {
	if max <= 0 {
		return v
	}
	if v <= 0 || v > max {
		return max
	}
	return v
}

// ExceedsMax reports whether a provided (non-nil) override is invalid:
// negative, or strictly exceeding a configured maximum that is itself
// bounding (max > 0). Used at init-time validation, where out-of-bound
// overrides are rejected rather than clamped.
func ExceedsMax(v *int64, max int64) bool {
	if v == nil {
		return false
	}
	if *v < 0 {
		return true
	}
	if max <= 0 {
		return false
	}
	return *v > max
}

// RuntimeDescriptor is an immutable (language, version) -> toolchain
// record resolved by the Runtime Registry Adapter.
type RuntimeDescriptor struct {
	Language        string          `json:"language"`
	Version         *semver.Version `json:"version"`
	Aliases         []string        `json:"aliases"`
	PkgDir          string          `json:"pkgdir"`
	Runtime         string          `json:"runtime"`
	CompileCmd      string          `json:"compile_cmd,omitempty"`
	RunCmd          string          `json:"run_cmd"`
	Timeouts        Timeouts        `json:"timeouts"`
	CPUTimes        CPUTimes        `json:"cpu_times"`
	MemoryLimits    MemoryLimits    `json:"memory_limits"`
	MaxProcessCount int             `json:"max_process_count"`
	MaxOpenFiles    int             `json:"max_open_files"`
	MaxFileSize     int64           `json:"max_file_size"`
	OutputMaxSize   int             `json:"output_max_size"`
	Compiled        bool            `json:"compiled"`
	EnvVars         []string        `json:"env_vars"`
}

// CompileMax returns the configured compile-stage LimitSet ceiling.
func (r *RuntimeDescriptor) CompileMax() LimitSet {
	return LimitSet{
		TimeoutMs:   r.Timeouts.Compile.Milliseconds(),
		CPUTimeMs:   r.CPUTimes.Compile.Milliseconds(),
		MemoryBytes: r.MemoryLimits.Compile,
	}
}

// RunMax returns the configured run-stage LimitSet ceiling.
func (r *RuntimeDescriptor) RunMax() LimitSet {
	return LimitSet{
		TimeoutMs:   r.Timeouts.Run.Milliseconds(),
		CPUTimeMs:   r.CPUTimes.Run.Milliseconds(),
		MemoryBytes: r.MemoryLimits.Run,
	}
}

// SandboxHandle is the per-session isolated filesystem + identity
// context. Owned exclusively by a Job for its lifetime.
type SandboxHandle struct {
	ID        int    `json:"id"`
	RootPath  string `json:"root_path"`
	UID       int    `json:"uid"`
	GID       int    `json:"gid"`
	CgroupRef string `json:"cgroup_ref"` // isolate metadata file path
}

// SubmissionDir is the directory sources are materialized into and the
// compile stage runs from.
func (h *SandboxHandle) SubmissionDir() string {
	return h.RootPath + "/submission"
}

// ScratchDir is the writable per-test tmp area, wiped before every run.
func (h *SandboxHandle) ScratchDir() string {
	return h.RootPath + "/tmp"
}

// StageResult is the structured outcome of one child execution.
type StageResult struct {
	Stdout      string  `json:"stdout"`
	Stderr      string  `json:"stderr"`
	ExitCode    *int    `json:"code"`
	Signal      *string `json:"signal,omitempty"`
	WallTimeMs  int64   `json:"wall_time_ms"`
	CPUTimeMs   int64   `json:"cpu_time_ms"`
	MemoryBytes int64   `json:"memory_bytes"`
	Status      string  `json:"status,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// Success reports the Piston-style success rule: exit code zero and no
// terminating signal.
func (r *StageResult) Success() bool {
	return r.Signal == nil && r.ExitCode != nil && *r.ExitCode == 0
}

// BatchResult aggregates a run_batch's per-test StageResults per
// spec.md §4.3 runBatched: total_time/total_cpu_time are sums, memory
// is the max observed, success is the conjunction of every case, and
// stderr is the first non-empty case stderr.
type BatchResult struct {
	Results      []*StageResult
	TotalTimeMs  int64
	TotalCPUMs   int64
	MemoryBytes  int64
	Success      bool
	Stderr       string
}

// NewBatchResult computes a BatchResult's aggregates from its ordered
// per-test results.
func NewBatchResult(results []*StageResult) *BatchResult {
	agg := &BatchResult{Results: results, Success: true}
	for _, r := range results {
		agg.TotalTimeMs += r.WallTimeMs
		agg.TotalCPUMs += r.CPUTimeMs
		if r.MemoryBytes > agg.MemoryBytes {
			agg.MemoryBytes = r.MemoryBytes
		}
		if !r.Success() {
			agg.Success = false
		}
		if agg.Stderr == "" {
			agg.Stderr = r.Stderr
		}
	}
	return agg
}

// RuntimeInfo is the public listing shape for GET /runtimes.
type RuntimeInfo struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
	Runtime  string   `json:"runtime,omitempty"`
	Compiled bool     `json:"compiled"`
}

// ErrorResponse is a plain HTTP error body.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
