package policy

import (
	"slices"
	"time"

	"github.com/danmuck/opshub/internal/jobs"
	"github.com/rs/zerolog/log"
)

// Request carries everything a capability check may look at. Checks may
// annotate Decision (risk, consent scope) but only the engine sets OK.
type Request struct {
	Job        jobs.Job
	Stage      Stage
	FunctionID string
	Function   FunctionEntry
	Snapshot   Snapshot
	Now        time.Time
	Decision   *Decision
}

// Authorizer is one gating dimension. It returns a deny reason, or "" to
// let the request through to the next check.
type Authorizer interface {
	Authorize(req *Request) string
}

type AuthorizerFunc func(req *Request) string

func (f AuthorizerFunc) Authorize(req *Request) string { return f(req) }

// Chain runs authorizers in order and stops at the first denial.
type Chain []Authorizer

func (c Chain) Authorize(req *Request) string {
	for _, a := range c {
		if reason := a.Authorize(req); reason != "" {
			return reason
		}
	}
	return ""
}

// DefaultChain is the shared stage 1/2 check order.
func DefaultChain() Chain {
	return Chain{
		CatalogMembership(),
		NodeAllowlist(),
		PermissionRequirement(DefaultFunctionPermissions()),
		ConsentRequirement(),
	}
}

// CatalogMembership requires the function to be whitelisted and records its
// risk and consent scope on the decision.
func CatalogMembership() Authorizer {
	return AuthorizerFunc(func(req *Request) string {
		entry, ok := req.Snapshot.Functions[req.FunctionID]
		if !ok {
			return ReasonFunctionNotInCatalog
		}
		req.Function = entry
		req.Decision.RiskLevel = entry.RiskLevel
		req.Decision.RequiresConsentScope = entry.ConsentScope
		return ""
	})
}

// NodeAllowlist restricts automation nodes with a non-empty allowlist.
func NodeAllowlist() Authorizer {
	return AuthorizerFunc(func(req *Request) string {
		nodeID := req.Job.NodeID()
		if nodeID == "" {
			return ""
		}
		allowed := req.Snapshot.NodeAllowedFunctions(nodeID)
		if len(allowed) == 0 {
			return ""
		}
		if !slices.Contains(allowed, req.FunctionID) {
			return ReasonFunctionNotAllowedForNode
		}
		return ""
	})
}

// DefaultFunctionPermissions maps function ids onto the account permission
// they need. admin_all satisfies every entry.
func DefaultFunctionPermissions() map[string]string {
	return map[string]string{
		"job_create_sync_push":  "job_create",
		"gcp_admin":             "gcp_admin",
		"router_admin":          "router_admin",
		"voucher_discount_code": "voucher_admin",
	}
}

func PermissionRequirement(required map[string]string) Authorizer {
	return AuthorizerFunc(func(req *Request) string {
		perm, ok := required[req.FunctionID]
		if !ok {
			return ""
		}
		held := req.Snapshot.AccountPermissions(req.Job.RequesterAccountID)
		if slices.Contains(held, perm) || slices.Contains(held, PermissionAdminAll) {
			return ""
		}
		return ReasonMissingPermissionPrefix + perm
	})
}

// ConsentRequirement enforces consent receipts at stage 1. Stage 2 only
// logs a missing receipt.
func ConsentRequirement() Authorizer {
	return AuthorizerFunc(func(req *Request) string {
		scope := req.Function.ConsentScope
		if scope == "" {
			return ""
		}
		if req.Snapshot.ConsentEffective(req.Job.RequesterAccountID, scope, req.Now) {
			return ""
		}
		if req.Stage == StageAdmin {
			log.Info().
				Str("job_id", req.Job.ID).
				Str("account", req.Job.RequesterAccountID).
				Str("scope", scope).
				Msg("consent missing, not enforced at stage 2")
			return ""
		}
		return ReasonConsentRequiredPrefix + scope
	})
}
