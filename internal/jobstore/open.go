package jobstore

import (
	"fmt"

	"github.com/danmuck/opshub/internal/config"
)

// Open returns the store selected by cfg.Backend.
func Open(cfg config.Config) (Store, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileStore(cfg.Root)
	case config.BackendSQLite:
		return OpenSQLite(cfg.DatabasePath())
	default:
		return nil, fmt.Errorf("jobstore: unknown backend %q", cfg.Backend)
	}
}
