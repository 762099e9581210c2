package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/opshub/internal/config"
)

type filePolicy struct {
	AccountPermissions string `toml:"account_permissions"`
	FunctionCatalog    string `toml:"function_catalog"`
	ConsentReceipts    string `toml:"consent_receipts"`
}

type fileExecutor struct {
	SyncRepoDir string `toml:"sync_repo_dir"`
	ExecTimeout string `toml:"exec_timeout"`
	// Enabled is decoded only to be rejected.
	Enabled bool `toml:"enabled"`
}

type fileConfig struct {
	Root         string       `toml:"root"`
	PolicyDir    string       `toml:"policy_dir"`
	StoreBackend string       `toml:"store_backend"`
	Policy       filePolicy   `toml:"policy"`
	Executor     fileExecutor `toml:"executor"`
}

// loadConfig overlays an optional TOML file and then the environment on
// the defaults. The kill switch is only ever read from the environment.
func loadConfig(path string, getenv func(string) string) (config.Config, error) {
	cfg := config.Default()

	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return config.Config{}, fmt.Errorf("load executor config: %w", err)
		}
		if meta.IsDefined("executor", "enabled") {
			return config.Config{}, fmt.Errorf("executor.enabled is not a file setting; use %s", config.EnvExecutorEnabled)
		}
		if meta.IsDefined("root") {
			cfg.Root = strings.TrimSpace(raw.Root)
		}
		if meta.IsDefined("policy_dir") {
			cfg.PolicyDir = strings.TrimSpace(raw.PolicyDir)
		}
		if meta.IsDefined("store_backend") {
			cfg.Backend = config.StoreBackend(strings.ToLower(strings.TrimSpace(raw.StoreBackend)))
		}
		if meta.IsDefined("policy", "account_permissions") {
			cfg.Policy.AccountPermissions = strings.TrimSpace(raw.Policy.AccountPermissions)
		}
		if meta.IsDefined("policy", "function_catalog") {
			cfg.Policy.FunctionCatalog = strings.TrimSpace(raw.Policy.FunctionCatalog)
		}
		if meta.IsDefined("policy", "consent_receipts") {
			cfg.Policy.ConsentReceipts = strings.TrimSpace(raw.Policy.ConsentReceipts)
		}
		if meta.IsDefined("executor", "sync_repo_dir") {
			cfg.Executor.SyncRepoDir = strings.TrimSpace(raw.Executor.SyncRepoDir)
		}
		if meta.IsDefined("executor", "exec_timeout") {
			d, err := time.ParseDuration(strings.TrimSpace(raw.Executor.ExecTimeout))
			if err != nil {
				return config.Config{}, fmt.Errorf("parse exec_timeout: %w", err)
			}
			if d <= 0 {
				return config.Config{}, fmt.Errorf("exec_timeout must be positive, got %s", d)
			}
			cfg.Executor.ExecTimeout = d
		}
	}

	config.ApplyEnv(&cfg, getenv)
	return cfg, nil
}

func finalize(cfg config.Config, root string) (config.Config, error) {
	if v := strings.TrimSpace(root); v != "" {
		cfg.Root = v
	}
	cfg.Resolve()
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func environ(key string) string { return os.Getenv(key) }
