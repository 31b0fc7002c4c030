package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// Config represents the main configuration for dircopy.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Domain     string           `toml:"domain"`    // salt separating backup namespaces in one store
	Algorithm  string           `toml:"algorithm"` // "blake3" (default), "sha256" or "sha3-256"
	Store      StoreConfig      `toml:"store"`
	Engine     EngineConfig     `toml:"engine"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	Exclude    ExcludeConfig    `toml:"exclude"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// StoreConfig represents configuration for a block store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type string `toml:"type"` // "memory", "filesystem" or "s3"
	Name string `toml:"name"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket      string `toml:"s3_bucket,omitempty"`
	S3Prefix      string `toml:"s3_prefix,omitempty"`
	S3Region      string `toml:"s3_region,omitempty"`
	S3Endpoint    string `toml:"s3_endpoint,omitempty"`
	S3AccessKey   string `toml:"s3_access_key,omitempty"`
	S3SecretKey   string `toml:"s3_secret_key,omitempty"`
	S3Concurrency int    `toml:"s3_concurrency,omitempty"`
}

// EngineConfig holds the pipeline knobs. Sizes are human readable ("1MiB",
// "128MB") and parsed with go-units.
type EngineConfig struct {
	BlockSize        string `toml:"block_size"`
	LargeThreshold   string `toml:"large_threshold"`
	MaxMemory        string `toml:"max_memory"`
	Threads          int    `toml:"threads"`
	Files            int    `toml:"files"`
	Group            int    `toml:"group"`
	Compression      string `toml:"compression"` // "zstd" (default), "lz4" or "none"
	CompressionLevel int    `toml:"compression_level"`
	Validate         bool   `toml:"validate"`
	Sequence         bool   `toml:"sequence"`
}

// SnapshotConfig locates the per-source change tracking directories.
type SnapshotConfig struct {
	Dir string `toml:"dir"`
}

// ExcludeConfig lists paths that are never backed up. Files match entry
// names exactly, Paths match as prefixes and Patterns are globs.
type ExcludeConfig struct {
	Files    []string `toml:"files"`
	Paths    []string `toml:"paths"`
	Patterns []string `toml:"patterns"`
}

// EncryptionConfig holds paths to the age key pair used to seal root keys
// in run history.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test" or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a new Config with default paths under baseDir and
// default engine settings.
func NewConfig(domain, baseDir string) *Config {
	p := dc.DefaultParams()
	return &Config{
		BaseDir:   baseDir,
		LogDir:    filepath.Join(baseDir, "log"),
		Domain:    domain,
		Algorithm: digest.DefaultAlgorithm,
		Store: StoreConfig{
			Type:   "filesystem",
			Name:   "local",
			FSRoot: filepath.Join(baseDir, "store"),
		},
		Engine: EngineConfig{
			BlockSize:        units.BytesSize(float64(p.Block)),
			LargeThreshold:   units.BytesSize(float64(p.LargeThreshold)),
			MaxMemory:        units.BytesSize(float64(p.MaxMemory)),
			Threads:          p.Threads,
			Files:            p.Files,
			Group:            p.Group,
			Compression:      "zstd",
			CompressionLevel: 5,
		},
		Snapshot: SnapshotConfig{Dir: filepath.Join(baseDir, "snapshots")},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "dircopy.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "dircopy.key"),
		},
	}
}

// Params resolves the engine section into run parameters. Unset values
// keep their defaults.
func (c EngineConfig) Params() (dc.Params, error) {
	p := dc.DefaultParams()

	sizes := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"block_size", c.BlockSize, &p.Block},
		{"large_threshold", c.LargeThreshold, &p.LargeThreshold},
		{"max_memory", c.MaxMemory, &p.MaxMemory},
	}
	for _, s := range sizes {
		if s.raw == "" {
			continue
		}
		n, err := units.RAMInBytes(s.raw)
		if err != nil {
			return dc.Params{}, fmt.Errorf("parsing engine.%s: %w", s.name, err)
		}
		*s.dst = n
	}

	if c.Threads > 0 {
		p.Threads = c.Threads
	}
	if c.Files > 0 {
		p.Files = c.Files
	}
	if c.Group > 0 {
		p.Group = c.Group
	}
	p.Validate = c.Validate
	p.Sequence = c.Sequence

	if err := p.Check(); err != nil {
		return dc.Params{}, fmt.Errorf("engine configuration: %w", err)
	}
	return p, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
