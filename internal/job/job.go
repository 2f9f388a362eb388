// Package job is the Job (C3): it owns one sandbox for its entire
// lifetime, compiles a submission at most once, and then executes
// arbitrarily many independent test cases against that same compiled
// artifact, resetting the writable scratch area between each.
package job

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/judgesession/internal/config"
	"github.com/coderunr/judgesession/internal/sandbox"
	"github.com/coderunr/judgesession/internal/stagerunner"
	"github.com/coderunr/judgesession/internal/types"
)

// Job is a single session's compile-once, run-many unit of work.
type Job struct {
	ID           string
	Runtime      *types.RuntimeDescriptor
	Files        []types.SourceFile
	CompileLimits types.LimitSet
	RunLimits     types.LimitSet
	State        types.JobState

	handle     *types.SandboxHandle
	provisioner *sandbox.Provisioner
	cfg        *config.Config
	logger     *logrus.Entry
	closeOnce  sync.Once
	mu         sync.Mutex
}

// New creates a Job bound to a resolved runtime and source set. Effective
// compile/run limits have already been computed by the caller (the
// session layer) via types.ApplyOverride against the runtime's maxima.
func New(provisioner *sandbox.Provisioner, cfg *config.Config, runtime *types.RuntimeDescriptor, files []types.SourceFile, compileLimits, runLimits types.LimitSet) *Job {
	id := uuid.New().String()
	return &Job{
		ID:            id,
		Runtime:       runtime,
		Files:         files,
		CompileLimits: compileLimits,
		RunLimits:     runLimits,
		State:         types.JobStateNew,
		provisioner:   provisioner,
		cfg:           cfg,
		logger:        logrus.WithField("job_id", id),
	}
}

// Prime acquires a sandbox and materializes the submitted source files
// into its submission directory.
func (j *Job) Prime(ctx context.Context) error {
	j.logger.Info("priming job")

	handle, err := j.provisioner.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSandboxSetupFailed, err)
	}

	submissionDir := handle.SubmissionDir()
	if err := os.MkdirAll(submissionDir, 0700); err != nil {
		j.provisioner.Release(handle)
		return fmt.Errorf("%w: create submission dir: %v", types.ErrSandboxSetupFailed, err)
	}
	if err := os.MkdirAll(handle.ScratchDir(), 0700); err != nil {
		j.provisioner.Release(handle)
		return fmt.Errorf("%w: create scratch dir: %v", types.ErrSandboxSetupFailed, err)
	}

	for _, file := range j.Files {
		if err := writeSourceFile(submissionDir, file); err != nil {
			j.provisioner.Release(handle)
			return fmt.Errorf("%w: write file %s: %v", types.ErrSandboxSetupFailed, file.Name, err)
		}
	}

	j.handle = handle
	j.State = types.JobStatePrimed
	j.logger.Debug("job primed")
	return nil
}

// Compile runs the runtime's compile stage exactly once against the
// primed submission. If the runtime has no compile stage, it is a no-op
// that leaves the submission directory as the run-stage working dir.
func (j *Job) Compile(ctx context.Context) (*types.StageResult, error) {
	if j.State != types.JobStatePrimed {
		return nil, fmt.Errorf("%w: compile called in state %s", types.ErrProtocol, j.State)
	}

	if !j.Runtime.Compiled {
		j.State = types.JobStateCompiled
		return nil, nil
	}

	j.logger.Debug("running compile stage")
	result, err := stagerunner.Run(ctx, j.handle, stagerunner.Spec{
		ScriptPath:        j.Runtime.CompileCmd,
		Args:              j.fileNames(),
		Limits:            j.CompileLimits,
		Env:               j.envVars(),
		PkgDir:            j.Runtime.PkgDir,
		MaxProcessCount:   j.Runtime.MaxProcessCount,
		MaxOpenFiles:      j.Runtime.MaxOpenFiles,
		MaxFileSize:       j.Runtime.MaxFileSize,
		OutputCap:         j.Runtime.OutputMaxSize,
		DisableNetworking: j.cfg.DisableNetworking,
	})
	if err != nil {
		j.State = types.JobStateFailed
		return nil, fmt.Errorf("%w: %v", types.ErrCompileFailed, err)
	}

	if !result.Success() {
		j.State = types.JobStateFailed
		return result, nil
	}

	if err := j.sealSubmission(); err != nil {
		j.State = types.JobStateFailed
		return result, fmt.Errorf("%w: %v", types.ErrSandboxSetupFailed, err)
	}

	j.State = types.JobStateCompiled
	return result, nil
}

// RunTest runs one test case (fresh stdin, optional per-test limit
// overrides) against the already-compiled artifact. The scratch
// directory is wiped first so no test observes another's residue.
func (j *Job) RunTest(ctx context.Context, stdin []byte, overrides types.LimitOverride) (*types.StageResult, error) {
	if j.State != types.JobStateCompiled {
		return nil, fmt.Errorf("%w: run_test called in state %s", types.ErrProtocol, j.State)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.resetScratch(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxSetupFailed, err)
	}

	limits := types.ApplyOverride(j.RunLimits, overrides, j.Runtime.RunMax())

	args := append([]string{j.Files[0].Name}, j.runArgs()...)
	result, err := stagerunner.Run(ctx, j.handle, stagerunner.Spec{
		ScriptPath:        j.Runtime.RunCmd,
		Args:              args,
		Stdin:             stdin,
		Limits:            limits,
		Env:               j.envVars(),
		PkgDir:            j.Runtime.PkgDir,
		MaxProcessCount:   j.Runtime.MaxProcessCount,
		MaxOpenFiles:      j.Runtime.MaxOpenFiles,
		MaxFileSize:       j.Runtime.MaxFileSize,
		OutputCap:         j.Runtime.OutputMaxSize,
		DisableNetworking: j.cfg.DisableNetworking,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStageFailure, err)
	}
	return result, nil
}

// RunBatch runs a sequence of test cases in order, stopping at the first
// stage-runner error (an engine fault, not a user-code failure), and
// returns the aggregated outcome (spec.md §4.3 runBatched).
func (j *Job) RunBatch(ctx context.Context, stdins [][]byte, overrides []types.LimitOverride) (*types.BatchResult, error) {
	if len(stdins) == 0 {
		return nil, fmt.Errorf("%w: run_batch requires a non-empty case list", types.ErrValidation)
	}

	results := make([]*types.StageResult, 0, len(stdins))
	for i, stdin := range stdins {
		var override types.LimitOverride
		if i < len(overrides) {
			override = overrides[i]
		}
		result, err := j.RunTest(ctx, stdin, override)
		if err != nil {
			return types.NewBatchResult(results), err
		}
		results = append(results, result)
	}
	return types.NewBatchResult(results), nil
}

// Close releases the job's sandbox. Idempotent and safe to call from any
// termination path (explicit close, protocol error, transport loss).
func (j *Job) Close() {
	j.closeOnce.Do(func() {
		j.logger.Info("closing job")
		if j.handle != nil {
			j.provisioner.Release(j.handle)
		}
		j.State = types.JobStateClosed
	})
}

// sealSubmission makes the compiled submission directory read-only so
// later test runs observe the post-compile snapshot, never a prior
// test's residue.
func (j *Job) sealSubmission() error {
	return chmodRecursive(j.handle.SubmissionDir(), 0555)
}

// resetScratch wipes and recreates the writable scratch directory,
// giving every test a clean /tmp.
func (j *Job) resetScratch() error {
	dir := j.handle.ScratchDir()
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

func (j *Job) fileNames() []string {
	names := make([]string, len(j.Files))
	for i, f := range j.Files {
		names[i] = f.Name
	}
	return names
}

func (j *Job) runArgs() []string {
	return nil
}

func (j *Job) envVars() []string {
	envVars := append([]string{}, j.Runtime.EnvVars...)
	return append(envVars, fmt.Sprintf("JUDGESESSION_LANGUAGE=%s", j.Runtime.Language))
}

// writeSourceFile decodes and writes one submitted source file, guarding
// against path traversal outside the submission directory.
func writeSourceFile(submissionDir string, file types.SourceFile) error {
	if strings.Contains(file.Name, "..") {
		return fmt.Errorf("%w: invalid file name: %s", types.ErrValidation, file.Name)
	}

	filePath := filepath.Join(submissionDir, file.Name)
	relPath, err := filepath.Rel(submissionDir, filePath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return fmt.Errorf("%w: path traversal detected: %s", types.ErrValidation, file.Name)
	}

	var content []byte
	switch file.Encoding {
	case "base64":
		content, err = base64.StdEncoding.DecodeString(file.Content)
		if err != nil {
			return fmt.Errorf("%w: decode base64: %v", types.ErrValidation, err)
		}
	case "hex":
		content, err = hex.DecodeString(file.Content)
		if err != nil {
			return fmt.Errorf("%w: decode hex: %v", types.ErrValidation, err)
		}
	default:
		content = []byte(file.Content)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// chmodRecursive seals a tree read-only: directories keep the execute
// bit (needed to list/traverse them) while regular files get only mode.
func chmodRecursive(root string, mode os.FileMode) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.Chmod(path, 0555)
		}
		return os.Chmod(path, mode)
	})
}
