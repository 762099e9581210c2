// Package policy decides whether a confirmed job may run.
//
// Decisions are tiered by permission stage:
//
// - stage 3 (founder with biometric proof) bypasses every other check
//
// - stage 2 (admin_all) runs the shared checks with consent logged only
//
// - stage 1 runs the shared checks with consent enforced
//
// The engine never returns an error. Every denial is a Decision with a
// stable machine-readable reason.
package policy

import (
	"time"

	"github.com/danmuck/opshub/internal/jobs"
)

type Stage int

const (
	StageRestricted Stage = 1
	StageAdmin      Stage = 2
	StageFounder    Stage = 3
)

const (
	ReasonAllowed                   = "allowed"
	ReasonAllowedStage3Override     = "allowed_stage3_override"
	ReasonMissingRequester          = "missing_requester_account_id"
	ReasonStage3BiometricRequired   = "stage3_biometric_not_verified"
	ReasonStage2AdminAllRequired    = "stage2_admin_all_required"
	ReasonFunctionNotInCatalog      = "function_not_in_catalog"
	ReasonFunctionNotAllowedForNode = "function_not_allowed_for_node"
	ReasonMissingPermissionPrefix   = "missing_permission:"
	ReasonConsentRequiredPrefix     = "consent_required:"
)

type Decision struct {
	OK                   bool      `json:"ok"`
	Reason               string    `json:"reason"`
	FunctionID           string    `json:"function_id"`
	RiskLevel            RiskLevel `json:"risk_level"`
	RequiresConfirm      bool      `json:"requires_confirm"`
	RequiresConsentScope string    `json:"requires_consent_scope,omitempty"`
	PermissionStage      Stage     `json:"permission_stage"`
}

// Fields flattens the decision for audit records.
func (d Decision) Fields() map[string]any {
	return map[string]any{
		"ok":                     d.OK,
		"reason":                 d.Reason,
		"function_id":            d.FunctionID,
		"risk_level":             string(d.RiskLevel),
		"requires_confirm":       d.RequiresConfirm,
		"requires_consent_scope": d.RequiresConsentScope,
		"permission_stage":       int(d.PermissionStage),
	}
}

// Input is one decision request. Job.BiometricVerified drives stage
// resolution; BiometricVerified is the independent second confirmation a
// stage-3 grant requires.
type Input struct {
	Job               jobs.Job
	BiometricVerified bool
}

type Engine struct {
	source Source
	chain  Authorizer
	now    func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAuthorizer replaces the shared stage 1/2 checks.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.chain = a }
}

func NewEngine(source Source, opts ...Option) *Engine {
	e := &Engine{source: source, chain: DefaultChain(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide re-reads policy and evaluates in.
func (e *Engine) Decide(in Input) Decision {
	return Evaluate(e.source.Snapshot(), e.chain, in, e.now())
}

// Evaluate is the pure decision function over one policy snapshot.
func Evaluate(snap Snapshot, chain Authorizer, in Input, now time.Time) Decision {
	job := in.Job
	d := Decision{
		FunctionID:      job.Type.FunctionID(),
		RiskLevel:       RiskUnknown,
		PermissionStage: StageRestricted,
	}
	if job.RequesterAccountID == "" {
		d.Reason = ReasonMissingRequester
		return d
	}

	d.PermissionStage = snap.PermissionStage(job.RequesterAccountID, job.BiometricVerified)

	switch d.PermissionStage {
	case StageFounder:
		if !in.BiometricVerified {
			d.Reason = ReasonStage3BiometricRequired
			return d
		}
		d.OK = true
		d.Reason = ReasonAllowedStage3Override
		d.RiskLevel = RiskBypassed
		return d
	case StageAdmin:
		if !snap.Accounts[job.RequesterAccountID].Has(PermissionAdminAll) {
			d.Reason = ReasonStage2AdminAllRequired
			return d
		}
	case StageRestricted:
	}

	req := &Request{
		Job:        job,
		Stage:      d.PermissionStage,
		FunctionID: d.FunctionID,
		Snapshot:   snap,
		Now:        now,
		Decision:   &d,
	}
	if chain == nil {
		chain = DefaultChain()
	}
	if reason := chain.Authorize(req); reason != "" {
		d.Reason = reason
		return d
	}

	d.OK = true
	d.Reason = ReasonAllowed
	d.RequiresConfirm = requiresConfirm(d.PermissionStage, d.RiskLevel)
	return d
}

func requiresConfirm(stage Stage, risk RiskLevel) bool {
	if stage == StageAdmin {
		return risk == RiskCritical
	}
	switch risk {
	case RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}
