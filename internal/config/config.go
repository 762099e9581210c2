package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	EnvRoot               = "OPSHUB_ROOT"
	EnvPolicyDir          = "OPSHUB_POLICY_DIR"
	EnvAccountPermissions = "OPSHUB_ACCOUNT_PERMISSIONS_PATH"
	EnvFunctionCatalog    = "OPSHUB_FUNCTION_CATALOG_PATH"
	EnvConsentReceipts    = "OPSHUB_CONSENT_RECEIPTS_PATH"
	EnvHubToken           = "OPSHUB_HUB_TOKEN"
	EnvHubAddr            = "OPSHUB_HUB_ADDR"
	EnvStoreBackend       = "OPSHUB_STORE_BACKEND"
	EnvExecutorEnabled    = "OPSHUB_EXECUTOR_ENABLED"
	EnvSyncRepoDir        = "OPSHUB_SYNC_REPO_DIR"
	EnvExecTimeout        = "OPSHUB_EXEC_TIMEOUT"
	// EnvOperator names the login whose identity CLI actions record.
	EnvOperator           = "USER"
)

const (
	AccountPermissionsFile = "account_permissions.json"
	FunctionCatalogFile    = "function_catalog.json"
	ConsentReceiptsFile    = "consent_receipts.json"
)

// StoreBackend selects the job persistence implementation.
type StoreBackend string

const (
	BackendFile   StoreBackend = "file"
	BackendSQLite StoreBackend = "sqlite"
)

// PolicyPaths locates the three externally owned policy inputs.
type PolicyPaths struct {
	AccountPermissions string `toml:"account_permissions"`
	FunctionCatalog    string `toml:"function_catalog"`
	ConsentReceipts    string `toml:"consent_receipts"`
}

type HubConfig struct {
	Addr                string   `toml:"addr"`
	Token               string   `toml:"-"`
	CorsOrigins         []string `toml:"cors_origins"`
	RequireAuthForReads bool     `toml:"require_auth_for_reads"`
	WritesPerSecond     float64  `toml:"writes_per_second"`
	WriteBurst          int      `toml:"write_burst"`
}

type ExecutorConfig struct {
	// Enabled is the process-wide kill switch. It is only ever set from
	// the environment; a config file cannot turn execution on.
	Enabled     bool          `toml:"-"`
	SyncRepoDir string        `toml:"sync_repo_dir"`
	ExecTimeout time.Duration `toml:"-"`
}

// Config is built once at process start and handed to every component.
type Config struct {
	Root      string       `toml:"root"`
	PolicyDir string       `toml:"policy_dir"`
	Policy    PolicyPaths  `toml:"policy"`
	Backend   StoreBackend `toml:"store_backend"`

	Hub      HubConfig      `toml:"hub"`
	Executor ExecutorConfig `toml:"executor"`

	// Operator is the invoking user, taken from the environment only.
	Operator string `toml:"-"`
}

// Default returns a config rooted at ./var/opshub with conservative defaults.
func Default() Config {
	return Config{
		Root:    filepath.Join("var", "opshub"),
		Backend: BackendFile,
		Hub: HubConfig{
			Addr:            "127.0.0.1:8790",
			WritesPerSecond: 5,
			WriteBurst:      10,
		},
		Executor: ExecutorConfig{
			ExecTimeout: 120 * time.Second,
		},
	}
}

// Load reads defaults, the optional TOML file, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadToml(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg, os.Getenv)
	cfg.Resolve()
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv. This is the
// only place the process environment is consulted.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvRoot)); v != "" {
		cfg.Root = v
	}
	if v := strings.TrimSpace(getenv(EnvPolicyDir)); v != "" {
		cfg.PolicyDir = v
	}
	if v := strings.TrimSpace(getenv(EnvAccountPermissions)); v != "" {
		cfg.Policy.AccountPermissions = v
	}
	if v := strings.TrimSpace(getenv(EnvFunctionCatalog)); v != "" {
		cfg.Policy.FunctionCatalog = v
	}
	if v := strings.TrimSpace(getenv(EnvConsentReceipts)); v != "" {
		cfg.Policy.ConsentReceipts = v
	}
	if v := strings.TrimSpace(getenv(EnvHubToken)); v != "" {
		cfg.Hub.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvHubAddr)); v != "" {
		cfg.Hub.Addr = v
	}
	if v := strings.TrimSpace(getenv(EnvStoreBackend)); v != "" {
		cfg.Backend = StoreBackend(strings.ToLower(v))
	}
	if v := strings.TrimSpace(getenv(EnvOperator)); v != "" {
		cfg.Operator = v
	}
	if v, ok := parseBool(getenv(EnvExecutorEnabled)); ok {
		cfg.Executor.Enabled = v
	}
	if v := strings.TrimSpace(getenv(EnvSyncRepoDir)); v != "" {
		cfg.Executor.SyncRepoDir = v
	}
	if d, err := time.ParseDuration(strings.TrimSpace(getenv(EnvExecTimeout))); err == nil && d > 0 {
		cfg.Executor.ExecTimeout = d
	}
}

// Resolve fills policy file paths from the policy directory when they were
// not set individually. The policy directory defaults to <root>/policy.
func (c *Config) Resolve() {
	if strings.TrimSpace(c.PolicyDir) == "" {
		c.PolicyDir = filepath.Join(c.Root, "policy")
	}
	if strings.TrimSpace(c.Policy.AccountPermissions) == "" {
		c.Policy.AccountPermissions = filepath.Join(c.PolicyDir, AccountPermissionsFile)
	}
	if strings.TrimSpace(c.Policy.FunctionCatalog) == "" {
		c.Policy.FunctionCatalog = filepath.Join(c.PolicyDir, FunctionCatalogFile)
	}
	if strings.TrimSpace(c.Policy.ConsentReceipts) == "" {
		c.Policy.ConsentReceipts = filepath.Join(c.PolicyDir, ConsentReceiptsFile)
	}
	if c.Backend == "" {
		c.Backend = BackendFile
	}
	if c.Executor.ExecTimeout <= 0 {
		c.Executor.ExecTimeout = 120 * time.Second
	}
}

func (c Config) InboxDir() string   { return filepath.Join(c.Root, "inbox") }
func (c Config) ArchiveDir() string { return filepath.Join(c.Root, "archive") }
func (c Config) AuditDir() string   { return filepath.Join(c.Root, "audit") }
func (c Config) DatabasePath() string {
	return filepath.Join(c.Root, "jobs.db")
}
func (c Config) HubAuditPath() string {
	return filepath.Join(c.AuditDir(), "hub.jsonl")
}
func (c Config) ExecutorAuditPath() string {
	return filepath.Join(c.AuditDir(), "executor.jsonl")
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Root) == "" {
		return fmt.Errorf("config missing root")
	}
	switch cfg.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("config invalid store_backend %q", cfg.Backend)
	}
	if cfg.Hub.WritesPerSecond < 0 || cfg.Hub.WriteBurst < 0 {
		return fmt.Errorf("config hub rate limits must not be negative")
	}
	return nil
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
