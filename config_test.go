package ouroboros

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, "dataDir: /var/lib/ouroboros\n"))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ouroboros", conf.DataDir)
	assert.Equal(t, uint32(DefaultPhysicalBlockSize), conf.PhysicalBlockSize)
	assert.Equal(t, DefaultLogLevel, conf.LogLevel)
	assert.False(t, conf.DisableIntegrity)
	require.NotNil(t, conf.Logger)
	assert.Equal(t, logrus.InfoLevel, conf.Logger.GetLevel())
}

func TestLoadConfig_AllFields(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, `
dataDir: data
minimumFreeGB: 2
physicalBlockSize: 4096
encryptionKey: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
disableIntegrity: true
workers: 3
logLevel: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "data", conf.DataDir)
	assert.Equal(t, 2, conf.MinimumFreeGB)
	assert.Equal(t, uint32(4096), conf.PhysicalBlockSize)
	assert.True(t, conf.DisableIntegrity)
	assert.Equal(t, 3, conf.Workers)
	assert.Equal(t, logrus.DebugLevel, conf.Logger.GetLevel())
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":      "dataDir: x\nport: 4242\n",
		"no data dir":        "physicalBlockSize: 4096\n",
		"block too small":    "dataDir: x\nphysicalBlockSize: 39\n",
		"bad log level":      "dataDir: x\nlogLevel: loud\n",
		"negative free":      "dataDir: x\nminimumFreeGB: -1\n",
		"not yaml":           "dataDir: [x\n",
		"wrong type for int": "dataDir: x\nworkers: many\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_BlockSizeIncludesWrapperHeaders(t *testing.T) {
	ctx := context.Background()
	// 40 byte node minimum, 8 byte format magic, 42 bytes encryption, 26 bytes integrity
	const withIntegrity, withoutIntegrity = 116, 90

	_, err := New(Config{InMemory: true, PhysicalBlockSize: 64})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{InMemory: true, PhysicalBlockSize: withIntegrity - 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{InMemory: true, PhysicalBlockSize: withoutIntegrity - 1, DisableIntegrity: true})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	for _, conf := range []Config{
		{InMemory: true, PhysicalBlockSize: withIntegrity},
		{InMemory: true, PhysicalBlockSize: withoutIntegrity, DisableIntegrity: true},
	} {
		conf.Logger = quietLogger()
		ou, err := Open(ctx, conf)
		require.NoError(t, err)
		info, err := ou.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), info.MaxChildren)
		require.NoError(t, ou.Release(ctx))
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNew_InMemoryNeedsNoDataDir(t *testing.T) {
	_, err := New(Config{InMemory: true})
	assert.NoError(t, err)

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
