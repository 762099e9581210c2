package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/opshub/internal/config"
)

type filePolicy struct {
	AccountPermissions string `toml:"account_permissions"`
	FunctionCatalog    string `toml:"function_catalog"`
	ConsentReceipts    string `toml:"consent_receipts"`
}

type fileHub struct {
	Addr                string   `toml:"addr"`
	CorsOrigins         []string `toml:"cors_origins"`
	RequireAuthForReads bool     `toml:"require_auth_for_reads"`
	WritesPerSecond     float64  `toml:"writes_per_second"`
	WriteBurst          int      `toml:"write_burst"`
}

type fileConfig struct {
	Root         string     `toml:"root"`
	PolicyDir    string     `toml:"policy_dir"`
	StoreBackend string     `toml:"store_backend"`
	Policy       filePolicy `toml:"policy"`
	Hub          fileHub    `toml:"hub"`
}

// loadConfig overlays an optional TOML file and then the environment on
// the defaults. Keys absent from the file keep their default.
func loadConfig(path string, getenv func(string) string) (config.Config, error) {
	cfg := config.Default()

	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return config.Config{}, fmt.Errorf("load hub config: %w", err)
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
		if meta.IsDefined("hub", "addr") {
			cfg.Hub.Addr = strings.TrimSpace(raw.Hub.Addr)
		}
		if meta.IsDefined("hub", "cors_origins") {
			cfg.Hub.CorsOrigins = normalizeOrigins(raw.Hub.CorsOrigins)
		}
		if meta.IsDefined("hub", "require_auth_for_reads") {
			cfg.Hub.RequireAuthForReads = raw.Hub.RequireAuthForReads
		}
		if meta.IsDefined("hub", "writes_per_second") {
			cfg.Hub.WritesPerSecond = raw.Hub.WritesPerSecond
		}
		if meta.IsDefined("hub", "write_burst") {
			cfg.Hub.WriteBurst = raw.Hub.WriteBurst
		}
	}

	config.ApplyEnv(&cfg, getenv)
	return cfg, nil
}

// finalize applies flag overrides and validates.
func finalize(cfg config.Config, root, addr string) (config.Config, error) {
	if v := strings.TrimSpace(root); v != "" {
		cfg.Root = v
	}
	if v := strings.TrimSpace(addr); v != "" {
		cfg.Hub.Addr = v
	}
	cfg.Resolve()
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func environ(key string) string { return os.Getenv(key) }
