package policy

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/opshub/internal/config"
	"github.com/rs/zerolog/log"
)

const PermissionAdminAll = "admin_all"

type Account struct {
	AccountID     string   `json:"account_id,omitempty"`
	Permissions   []string `json:"permissions"`
	Founder       bool     `json:"founder,omitempty"`
	FounderMarker string   `json:"founder_marker,omitempty"`
}

// IsFounder reports the highest-priority natural person flag.
func (a Account) IsFounder() bool {
	return a.Founder || strings.TrimSpace(a.FounderMarker) != ""
}

func (a Account) Has(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	RiskUnknown  RiskLevel = "unknown"
	// RiskBypassed is reported only for stage-3 overrides.
	RiskBypassed RiskLevel = "bypassed"
)

func normalizeRisk(raw string) RiskLevel {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case RiskLow:
		return RiskLow
	case RiskMedium:
		return RiskMedium
	case RiskHigh:
		return RiskHigh
	case RiskCritical:
		return RiskCritical
	default:
		return RiskUnknown
	}
}

type FunctionEntry struct {
	FunctionID   string    `json:"function_id,omitempty"`
	RiskLevel    RiskLevel `json:"risk_level"`
	ConsentScope string    `json:"consent_scope,omitempty"`
}

type NodeAgent struct {
	NodeID             string   `json:"node_id,omitempty"`
	AllowedFunctionIDs []string `json:"allowed_function_ids"`
}

type ConsentReceipt struct {
	Scope          string `json:"scope"`
	Granted        bool   `json:"granted"`
	ExpiresAtEpoch int64  `json:"expires_at_epoch,omitempty"`
	RevokedAt      string `json:"revoked_at,omitempty"`
}

// Effective reports whether the receipt grants scope at now. A receipt
// without an expiry never expires.
func (r ConsentReceipt) Effective(scope string, now time.Time) bool {
	if !r.Granted || strings.TrimSpace(r.RevokedAt) != "" {
		return false
	}
	if strings.TrimSpace(scope) == "" || r.Scope != scope {
		return false
	}
	if r.ExpiresAtEpoch > 0 && now.Unix() >= r.ExpiresAtEpoch {
		return false
	}
	return true
}

type accountsFile struct {
	Accounts map[string]Account `json:"accounts"`
}

type catalogFile struct {
	Functions  map[string]FunctionEntry `json:"functions"`
	NodeAgents map[string]NodeAgent     `json:"node_agents"`
}

type receiptsFile struct {
	Receipts map[string]ConsentReceipt `json:"receipts"`
}

// Snapshot is one consistent read of all three policy inputs.
type Snapshot struct {
	Accounts  map[string]Account
	Functions map[string]FunctionEntry
	Nodes     map[string]NodeAgent
	Receipts  map[string]ConsentReceipt
}

// Source produces policy snapshots. Store is the file-backed source.
type Source interface {
	Snapshot() Snapshot
}

// Store reads the three externally owned policy files. It never writes
// them and never fails: missing or invalid input yields empty maps. Every
// Snapshot call re-reads the files so edits apply to the next decision.
type Store struct {
	paths config.PolicyPaths
}

func NewStore(paths config.PolicyPaths) *Store {
	return &Store{paths: paths}
}

func (s *Store) Snapshot() Snapshot {
	var accounts accountsFile
	var catalog catalogFile
	var receipts receiptsFile
	readJSON(s.paths.AccountPermissions, &accounts)
	readJSON(s.paths.FunctionCatalog, &catalog)
	readJSON(s.paths.ConsentReceipts, &receipts)

	snap := Snapshot{
		Accounts:  accounts.Accounts,
		Functions: make(map[string]FunctionEntry, len(catalog.Functions)),
		Nodes:     catalog.NodeAgents,
		Receipts:  receipts.Receipts,
	}
	for id, entry := range catalog.Functions {
		entry.FunctionID = id
		entry.RiskLevel = normalizeRisk(string(entry.RiskLevel))
		snap.Functions[id] = entry
	}
	if snap.Accounts == nil {
		snap.Accounts = map[string]Account{}
	}
	if snap.Nodes == nil {
		snap.Nodes = map[string]NodeAgent{}
	}
	if snap.Receipts == nil {
		snap.Receipts = map[string]ConsentReceipt{}
	}
	return snap
}

func readJSON(path string, out any) {
	if strings.TrimSpace(path) == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Debug().Str("path", path).Err(err).Msg("policy input unavailable")
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("policy input invalid, using empty defaults")
	}
}

func (s *Store) AccountPermissions(accountID string) []string {
	return s.Snapshot().AccountPermissions(accountID)
}

func (s *Store) FunctionCatalog() map[string]FunctionEntry {
	return s.Snapshot().Functions
}

func (s *Store) NodeAllowedFunctions(nodeID string) []string {
	return s.Snapshot().NodeAllowedFunctions(nodeID)
}

func (s *Store) AccountPermissionStage(accountID string, biometricVerified bool) Stage {
	return s.Snapshot().PermissionStage(accountID, biometricVerified)
}

func (s *Store) ConsentEffective(accountID, scope string, now time.Time) bool {
	return s.Snapshot().ConsentEffective(accountID, scope, now)
}

// AccountPermissions returns the sorted, de-duplicated permission set.
func (s Snapshot) AccountPermissions(accountID string) []string {
	acct, ok := s.Accounts[accountID]
	if !ok {
		return []string{}
	}
	seen := make(map[string]struct{}, len(acct.Permissions))
	out := make([]string, 0, len(acct.Permissions))
	for _, p := range acct.Permissions {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s Snapshot) NodeAllowedFunctions(nodeID string) []string {
	node, ok := s.Nodes[nodeID]
	if !ok {
		return []string{}
	}
	return append([]string(nil), node.AllowedFunctionIDs...)
}

// PermissionStage resolves the authorization tier. A founder without
// biometric proof is downgraded to stage 2.
func (s Snapshot) PermissionStage(accountID string, biometricVerified bool) Stage {
	acct, ok := s.Accounts[accountID]
	if !ok {
		return StageRestricted
	}
	if acct.IsFounder() {
		if biometricVerified {
			return StageFounder
		}
		return StageAdmin
	}
	if acct.Has(PermissionAdminAll) {
		return StageAdmin
	}
	return StageRestricted
}

func (s Snapshot) ConsentEffective(accountID, scope string, now time.Time) bool {
	receipt, ok := s.Receipts[accountID]
	if !ok {
		return false
	}
	return receipt.Effective(scope, now)
}
