package ouroboros

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-blocktree/internal/encryptedBlockStore"
	"github.com/i5heu/ouroboros-blocktree/internal/integrityBlockStore"
	"github.com/i5heu/ouroboros-blocktree/internal/onDiskBlockStore"
	"github.com/i5heu/ouroboros-blocktree/pkg/dataNodeStore"
)

const (
	DefaultPhysicalBlockSize = 32 * 1024
	DefaultLogLevel          = "info"
	keyFileName              = "ouroboros.key"
)

var ErrInvalidConfig = errors.New("ouroboros: invalid config")

// Config configures a block tree store. Zero values are replaced by the
// defaults in Start.
type Config struct {
	// DataDir holds the database and the key file. Ignored when InMemory is set.
	DataDir string `yaml:"dataDir"`
	// InMemory keeps everything in memory; nothing survives Release.
	InMemory bool `yaml:"inMemory"`
	// MinimumFreeGB is the free disk space required to open the store.
	MinimumFreeGB int `yaml:"minimumFreeGB"`
	// PhysicalBlockSize is the size of a block as written by the storage
	// backend, including all wrapper headers.
	PhysicalBlockSize uint32 `yaml:"physicalBlockSize"`
	// EncryptionKey is a hex encoded 32 byte key. If empty, the key is read
	// from DataDir/ouroboros.key and created there on first start.
	EncryptionKey string `yaml:"encryptionKey"`
	// DisableIntegrity turns off the checksum and block id verification.
	DisableIntegrity bool `yaml:"disableIntegrity"`
	// Workers bounds the goroutines used to write tree nodes.
	Workers int `yaml:"workers"`
	// LogLevel is parsed by logrus.ParseLevel.
	LogLevel string `yaml:"logLevel"`
	// Logger overrides LogLevel when set.
	Logger *logrus.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file and applies the defaults.
func LoadConfig(path string) (Config, error) {
	conf, err := ReadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := conf.applyDefaults(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// ReadConfig reads a YAML config file without applying defaults, so callers
// can override fields before New validates them.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("ouroboros: reading config: %w", err)
	}

	var conf Config
	if err := yaml.UnmarshalStrict(data, &conf); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return conf, nil
}

func (c *Config) applyDefaults() error {
	if c.PhysicalBlockSize == 0 {
		c.PhysicalBlockSize = DefaultPhysicalBlockSize
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Logger == nil {
		level, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		c.Logger = logrus.New()
		c.Logger.SetLevel(level)
	}
	return c.validate()
}

func (c *Config) validate() error {
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("%w: dataDir is required unless inMemory is set", ErrInvalidConfig)
	}
	if minSize := c.minPhysicalBlockSize(); c.PhysicalBlockSize < minSize {
		return fmt.Errorf("%w: physicalBlockSize %d is smaller than %d", ErrInvalidConfig, c.PhysicalBlockSize, minSize)
	}
	if c.MinimumFreeGB < 0 {
		return fmt.Errorf("%w: minimumFreeGB must not be negative", ErrInvalidConfig)
	}
	return nil
}

// minPhysicalBlockSize is the smallest physical block that still leaves a
// valid node after every block store wrapper has added its header.
func (c *Config) minPhysicalBlockSize() uint32 {
	size := dataNodeStore.MinBlockSizeBytes + onDiskBlockStore.HeaderLen + encryptedBlockStore.Overhead
	if !c.DisableIntegrity {
		size += integrityBlockStore.HeaderSize
	}
	return uint32(size)
}
