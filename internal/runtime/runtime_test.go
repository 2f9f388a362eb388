package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderunr/judgesession/internal/config"
)

func writePackage(t *testing.T, dir, language, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ppman-installed"), []byte(""), 0644))

	info := `{"language":"` + language + `","version":"` + version + `","aliases":[]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg-info.json"), []byte(info), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh\n"), 0755))
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	Reset()
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "packages"), 0755))
	cfg := &config.Config{
		DataDirectory:     dataDir,
		MaxConcurrentJobs: 1,
		MaxProcessCount:   32,
		MaxOpenFiles:      512,
		MaxFileSize:       1000,
		OutputMaxSize:     1024,
		CompileMemoryLimit: -1,
		RunMemoryLimit:     -1,
	}
	return NewManager(cfg)
}

func TestResolveExactVersion(t *testing.T) {
	m := testManager(t)
	pkgDir := filepath.Join(m.config.DataDirectory, "packages", "python", "3.10.0")
	writePackage(t, pkgDir, "python", "3.10.0")
	require.NoError(t, m.LoadPackage(pkgDir))

	rt, err := Resolve("python", "3.10.0")
	require.NoError(t, err)
	assert.Equal(t, "3.10.0", rt.Version.String())
}

func TestResolveRangePicksHighest(t *testing.T) {
	m := testManager(t)
	for _, v := range []string{"3.9.0", "3.10.0", "3.11.0"} {
		pkgDir := filepath.Join(m.config.DataDirectory, "packages", "python", v)
		writePackage(t, pkgDir, "python", v)
		require.NoError(t, m.LoadPackage(pkgDir))
	}

	rt, err := Resolve("python", "*")
	require.NoError(t, err)
	assert.Equal(t, "3.11.0", rt.Version.String())
}

func TestResolveTiesBreakByLaterInstallOrder(t *testing.T) {
	m := testManager(t)
	firstDir := filepath.Join(m.config.DataDirectory, "packages", "node", "18.0.0-a")
	writePackage(t, firstDir, "node", "18.0.0")
	require.NoError(t, m.LoadPackage(firstDir))

	secondDir := filepath.Join(m.config.DataDirectory, "packages", "node", "18.0.0-b")
	writePackage(t, secondDir, "node", "18.0.0")
	require.NoError(t, m.LoadPackage(secondDir))

	rt, err := Resolve("node", "18.0.0")
	require.NoError(t, err)
	assert.Equal(t, secondDir, rt.PkgDir, "later-loaded entry should win an exact version tie")
}

func TestResolveUnknownLanguage(t *testing.T) {
	testManager(t)
	_, err := Resolve("cobol", "*")
	assert.Error(t, err)
}
