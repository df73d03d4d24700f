package main

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfigFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "dataDir: " + dir + "\nphysicalBlockSize: 1024\nlogLevel: error\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	conf := writeConfigFile(t, dataDir)

	data := make([]byte, 50_000)
	rand.New(rand.NewSource(7)).Read(data)
	in := filepath.Join(t.TempDir(), "in.bin")
	require.NoError(t, os.WriteFile(in, data, 0o600))

	code, out, errOut := runCLI(t, "-config", conf, "import", in)
	require.Equal(t, 0, code, errOut)
	idx := strings.Index(out, "Root: ")
	require.NotEqual(t, -1, idx, out)
	root := strings.TrimSpace(out[idx+len("Root: "):])

	code, out, errOut = runCLI(t, "-config", conf, "ls")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, root)

	exported := filepath.Join(t.TempDir(), "out.bin")
	code, _, errOut = runCLI(t, "-config", conf, "export", root, exported)
	require.Equal(t, 0, code, errOut)
	got, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	code, out, errOut = runCLI(t, "-config", conf, "info")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Store Statistics:")
	assert.Contains(t, out, dataDir)

	code, out, errOut = runCLI(t, "-config", conf, "rm", root)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Removed "+root)

	code, out, _ = runCLI(t, "-config", conf, "ls")
	require.Equal(t, 0, code)
	assert.Empty(t, out)
}

func TestDataFlagOverridesConfig(t *testing.T) {
	configured := t.TempDir()
	override := t.TempDir()
	conf := writeConfigFile(t, configured)

	code, out, errOut := runCLI(t, "-config", conf, "-data", override, "info")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, override)

	_, err := os.Stat(filepath.Join(override, "ouroboros.key"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(configured, "ouroboros.key"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestKeygen(t *testing.T) {
	code, out, _ := runCLI(t, "keygen")
	require.Equal(t, 0, code)
	assert.Len(t, strings.TrimSpace(out), 64)
}

func TestUsageErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]string{
		"no command":      {},
		"unknown command": {"-data", dir, "frobnicate"},
		"import no file":  {"-data", dir, "import"},
		"export one arg":  {"-data", dir, "export", "x"},
		"ls extra arg":    {"-data", dir, "ls", "x"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, errOut := runCLI(t, args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, errOut, "Usage:")
		})
	}
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()

	code, _, errOut := runCLI(t, "-data", dir, "rm", "not-an-id")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")

	code, _, errOut = runCLI(t, "-data", dir, "import", filepath.Join(dir, "missing"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")

	code, _, errOut = runCLI(t, "-config", filepath.Join(dir, "missing.yaml"), "info")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error loading config")
}

func TestUnknownFlag(t *testing.T) {
	code, _, _ := runCLI(t, "-nope", "info")
	assert.Equal(t, 2, code)
}
