package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "hub":
		return hubTemplate, nil
	case "executor":
		return executorTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// The hub token and the executor kill switch are environment-only.
const hubTemplate = `root = "var/opshub"
store_backend = "file"

[policy]
# account_permissions = "/etc/opshub/account_permissions.json"
# function_catalog = "/etc/opshub/function_catalog.json"
# consent_receipts = "/etc/opshub/consent_receipts.json"

[hub]
addr = "127.0.0.1:8790"
cors_origins = ["http://localhost:3000"]
require_auth_for_reads = false
writes_per_second = 5.0
write_burst = 10
`

const executorTemplate = `root = "var/opshub"
store_backend = "file"

[executor]
sync_repo_dir = "/srv/association/ops"
exec_timeout = "120s"
`
