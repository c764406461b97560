package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// DatabaseConfig configures the persistent store backing conversations,
// sessions, usage, memory fragments, and playbooks.
type DatabaseConfig struct {
	// Driver selects the backend: "sqlite" or "postgres".
	// Default: "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Default: <config dir>/petrel.db.
	Path string `yaml:"path"`

	// URL is the Postgres DSN. Required when driver is "postgres".
	URL string `yaml:"url"`

	// MaxOpenConns caps open connections. Default: 10.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns caps pooled idle connections. Default: 5.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime recycles connections older than this. Default: 30m.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c *DatabaseConfig) applyDefaults(baseDir string) {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Path == "" {
		c.Path = filepath.Join(baseDir, "petrel.db")
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

func (c *DatabaseConfig) validate() error {
	switch c.Driver {
	case "sqlite":
		return nil
	case "postgres":
		if c.URL == "" {
			return fmt.Errorf("database.url is required when database.driver is postgres")
		}
		return nil
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Driver)
	}
}

// SnapshotConfig configures workspace snapshots taken before the first
// destructive tool call in a session.
type SnapshotConfig struct {
	// Dir is where snapshot archives live. Default: <config dir>/snapshots.
	Dir string `yaml:"dir"`

	// Exclude lists glob patterns never captured or restored. Rollback
	// guarantees hold modulo these. Default: version control and
	// dependency directories.
	Exclude []string `yaml:"exclude"`

	// EnvKeys lists environment variable names captured alongside
	// files. Default: none.
	EnvKeys []string `yaml:"env_keys"`

	// Retention bounds how long orphaned snapshots survive before the
	// sweeper deletes them. Default: 72h.
	Retention time.Duration `yaml:"retention"`
}

func (c *SnapshotConfig) applyDefaults(baseDir string) {
	if c.Dir == "" {
		c.Dir = filepath.Join(baseDir, "snapshots")
	}
	if c.Exclude == nil {
		c.Exclude = []string{
			".git/**",
			"node_modules/**",
			".venv/**",
			"__pycache__/**",
			"**/*.log",
		}
	}
	if c.Retention <= 0 {
		c.Retention = 72 * time.Hour
	}
}

// ScratchpadConfig configures content-addressed overflow storage for
// compressed tool results.
type ScratchpadConfig struct {
	// Backend selects storage: "local" or "s3". Default: "local".
	Backend string `yaml:"backend"`

	// Dir is the local backend's root. Default: <config dir>/scratchpad.
	Dir string `yaml:"dir"`

	// Bucket is the S3 bucket. Required when backend is "s3".
	Bucket string `yaml:"bucket"`

	// Prefix namespaces keys within the bucket. Default: "scratchpad/".
	Prefix string `yaml:"prefix"`

	// Region selects the AWS region. Default: the SDK default chain.
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string `yaml:"endpoint"`

	// Retention bounds how long entries survive before the sweeper
	// deletes them. Default: 168h.
	Retention time.Duration `yaml:"retention"`
}

func (c *ScratchpadConfig) applyDefaults(baseDir string) {
	if c.Backend == "" {
		c.Backend = "local"
	}
	if c.Dir == "" {
		c.Dir = filepath.Join(baseDir, "scratchpad")
	}
	if c.Prefix == "" {
		c.Prefix = "scratchpad/"
	}
	if c.Retention <= 0 {
		c.Retention = 168 * time.Hour
	}
}

func (c *ScratchpadConfig) validate() error {
	switch c.Backend {
	case "local":
		return nil
	case "s3":
		if c.Bucket == "" {
			return fmt.Errorf("scratchpad.bucket is required when scratchpad.backend is s3")
		}
		return nil
	default:
		return fmt.Errorf("scratchpad.backend must be local or s3, got %q", c.Backend)
	}
}

// MemoryConfig configures long-term memory recall.
type MemoryConfig struct {
	// FilePath is the user-editable memory file, the authoritative
	// source. Default: <config dir>/memory.md.
	FilePath string `yaml:"file_path"`

	// VectorDir persists the embedded vector store.
	// Default: <config dir>/vectors.
	VectorDir string `yaml:"vector_dir"`

	// TopK is how many candidates each recall source returns before
	// fusion. Default: 5.
	TopK int `yaml:"top_k"`

	// Embeddings configures the embedding model used by the vector
	// store. Playbook search shares it.
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig configures the embedding function for vector search.
type EmbeddingsConfig struct {
	// Provider is "ollama" or "openai". Default: "ollama", keeping the
	// instance fully local.
	Provider string `yaml:"provider"`

	// Model is the embedding model. Default: "nomic-embed-text" for
	// ollama, "text-embedding-3-small" for openai.
	Model string `yaml:"model"`

	// APIKey authenticates the openai provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`
}

func (c *MemoryConfig) applyDefaults(baseDir string) {
	if c.FilePath == "" {
		c.FilePath = filepath.Join(baseDir, "memory.md")
	}
	if c.VectorDir == "" {
		c.VectorDir = filepath.Join(baseDir, "vectors")
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "ollama"
	}
	if c.Embeddings.Model == "" {
		switch c.Embeddings.Provider {
		case "openai":
			c.Embeddings.Model = "text-embedding-3-small"
		default:
			c.Embeddings.Model = "nomic-embed-text"
		}
	}
}

// PlaybookConfig configures playbook matching and extraction.
type PlaybookConfig struct {
	// Enabled turns playbook injection and extraction on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// StaleAfter skips entries unused for longer than this. Default:
	// 720h (30 days).
	StaleAfter time.Duration `yaml:"stale_after"`

	// MinScore is the semantic match floor for injection. Default: 0.5.
	MinScore float64 `yaml:"min_score"`

	// MinResponseChars is the response length floor below which no
	// draft is extracted. Default: 200.
	MinResponseChars int `yaml:"min_response_chars"`
}

func (c *PlaybookConfig) applyDefaults() {
	if c.Enabled == nil {
		c.Enabled = boolPtr(true)
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 720 * time.Hour
	}
	if c.MinScore <= 0 || c.MinScore > 1 {
		c.MinScore = 0.5
	}
	if c.MinResponseChars <= 0 {
		c.MinResponseChars = 200
	}
}

// SkillsConfig configures skill discovery.
type SkillsConfig struct {
	// Dirs lists directories scanned for skill definitions.
	// Default: <config dir>/skills.
	Dirs []string `yaml:"dirs"`

	// HotReload watches skill directories and reloads changed skills
	// without a restart. Default: true.
	HotReload *bool `yaml:"hot_reload"`

	// Entries provides per-skill overrides keyed by skill name.
	Entries map[string]SkillOverrideConfig `yaml:"entries"`
}

// SkillOverrideConfig overrides one skill's settings.
type SkillOverrideConfig struct {
	// Enabled turns the skill off when false.
	Enabled *bool `yaml:"enabled"`

	// APIKey is exported under the skill's primary_env for its tools.
	APIKey string `yaml:"api_key"`

	// Env adds environment variables for the skill's tools.
	Env map[string]string `yaml:"env"`
}

func (c *SkillsConfig) applyDefaults(baseDir string) {
	if len(c.Dirs) == 0 {
		c.Dirs = []string{filepath.Join(baseDir, "skills")}
	}
	if c.HotReload == nil {
		c.HotReload = boolPtr(true)
	}
}

// WorkspaceConfig configures the directory tree exposed to file and
// shell tools. Snapshots capture this tree.
type WorkspaceConfig struct {
	// Root is the workspace directory. File tools resolve paths inside
	// it and reject escapes. Default: the process working directory.
	Root string `yaml:"root"`
}

func (c *WorkspaceConfig) applyDefaults() {
	// Root stays empty here; the runtime resolves "" to the process
	// working directory so configs stay portable across machines.
}
