package stagerunner

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunr/judgesession/internal/types"
)

func TestBuildArgvIncludesScratchAndSubmissionMounts(t *testing.T) {
	handle := &types.SandboxHandle{ID: 3, RootPath: "/tmp/box3", CgroupRef: "/tmp/3-metadata.txt"}
	spec := Spec{
		ScriptPath:      "/pkg/python/3.10.0/run",
		Args:            []string{"main.py"},
		Limits:          types.LimitSet{TimeoutMs: 3000, CPUTimeMs: 3000, MemoryBytes: 256_000_000},
		PkgDir:          "/pkg/python/3.10.0",
		MaxProcessCount: 32,
		MaxOpenFiles:    512,
		MaxFileSize:     10_000_000,
	}

	argv := buildArgv(handle, spec)
	joined := strings.Join(argv, " ")

	assert.Contains(t, joined, "-b3")
	assert.Contains(t, joined, "--meta=/tmp/3-metadata.txt")
	assert.Contains(t, joined, "--dir=/tmp/box3/tmp:rw")
	assert.Contains(t, joined, "--dir=/pkg/python/3.10.0")
	assert.Contains(t, joined, "--wall-time=3")
	assert.Contains(t, joined, "--time=3")
	assert.Contains(t, joined, "--cg-mem=256000")
	assert.Contains(t, joined, "/bin/bash /pkg/python/3.10.0/run main.py")
}

func TestBuildArgvSharesNetworkingOnlyWhenEnabled(t *testing.T) {
	handle := &types.SandboxHandle{ID: 0, CgroupRef: "/tmp/0-metadata.txt"}

	enabled := buildArgv(handle, Spec{DisableNetworking: false})
	assert.Contains(t, enabled, "--share-net")

	disabled := buildArgv(handle, Spec{DisableNetworking: true})
	assert.NotContains(t, disabled, "--share-net")
}

func TestBuildArgvRoundsSubSecondTimeoutsUpToOneSecond(t *testing.T) {
	handle := &types.SandboxHandle{ID: 0, CgroupRef: "/tmp/0-metadata.txt"}
	argv := buildArgv(handle, Spec{Limits: types.LimitSet{TimeoutMs: 250, CPUTimeMs: 250}})
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "--wall-time=1")
	assert.Contains(t, joined, "--time=1")
}

func TestSharedBudgetUnboundedWhenCapNonPositive(t *testing.T) {
	b := newSharedBudget(0)
	allowed, exceeded := b.take(10_000)
	assert.Equal(t, 10_000, allowed)
	assert.False(t, exceeded)
}

func TestSharedBudgetExhaustsAcrossCallers(t *testing.T) {
	b := newSharedBudget(10)
	allowed, exceeded := b.take(6)
	assert.Equal(t, 6, allowed)
	assert.False(t, exceeded)

	allowed, exceeded = b.take(8)
	assert.Equal(t, 4, allowed)
	assert.True(t, exceeded)

	allowed, exceeded = b.take(1)
	assert.Equal(t, 0, allowed)
	assert.True(t, exceeded)
}

func TestReadCappedTruncatesAndCallsOnExceeded(t *testing.T) {
	budget := newSharedBudget(5)
	var buf bytes.Buffer
	called := false

	readCapped(strings.NewReader("hello world"), &buf, budget, func() { called = true })

	assert.Equal(t, "hello", buf.String())
	assert.True(t, called)
}

func TestReadCappedWithinBudgetNeverCallsOnExceeded(t *testing.T) {
	budget := newSharedBudget(100)
	var buf bytes.Buffer
	called := false

	readCapped(strings.NewReader("short"), &buf, budget, func() { called = true })

	assert.Equal(t, "short", buf.String())
	assert.False(t, called)
}

func TestStatusTagMapsIsolateCodes(t *testing.T) {
	cases := map[string]string{
		"":   "OK",
		"TO": "TimeLimit",
		"ML": "MemoryLimit",
		"OL": "OutputLimit",
		"RE": "RuntimeError",
		"SG": "KilledBySignal",
	}
	for isolateStatus, want := range cases {
		assert.Equal(t, want, statusTag(isolateStatus, ""))
	}
}

func TestStatusTagUnknownWithSignalIsKilledBySignal(t *testing.T) {
	assert.Equal(t, "KilledBySignal", statusTag("XX", "SIGSEGV"))
	assert.Equal(t, "RuntimeError", statusTag("XX", ""))
}

func TestParseMetadataParsesIsolateKeyValueFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.txt")
	content := "cg-mem:51200\nexitcode:0\ntime:0.042\ntime-wall:0.091\nstatus:\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	meta, err := parseMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, int64(51_200_000), meta.Memory)
	assert.Equal(t, 0, meta.ExitCode)
}

func TestParseMetadataSignalNameLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.txt")
	require.NoError(t, os.WriteFile(path, []byte("exitsig:11\nstatus:SG\n"), 0644))

	meta, err := parseMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "SIGSEGV", meta.Signal)
}

func TestScriptPathJoinsPkgDirAndStage(t *testing.T) {
	assert.Equal(t, filepath.Join("/pkg/python/3.10.0", "run"), ScriptPath("/pkg/python/3.10.0", "run"))
}
