package executor

import (
	"fmt"
	"strings"

	"github.com/danmuck/opshub/internal/config"
	"github.com/danmuck/opshub/internal/jobs"
	"github.com/rs/zerolog/log"
)

// Plan is the human-readable description of what a job would do. Command
// is empty when nothing is executable for the job.
type Plan struct {
	JobID       string
	JobType     jobs.Type
	Kind        jobs.Kind
	Summary     string
	Command     []string
	Implemented bool
}

func (p Plan) Fields() map[string]any {
	return map[string]any{
		"type":        string(p.JobType),
		"kind":        p.Kind.String(),
		"summary":     p.Summary,
		"command":     strings.Join(p.Command, " "),
		"implemented": p.Implemented,
	}
}

// BuildPlan resolves the registered action for job. Allowed types without
// an action get a non-executable plan.
func BuildPlan(reg *Registry, job jobs.Job) Plan {
	if action, ok := reg.Resolve(job.Type); ok {
		plan := action.Plan(job)
		plan.JobID = job.ID
		plan.JobType = job.Type
		plan.Kind = job.Type.Kind()
		return plan
	}
	return Plan{
		JobID:   job.ID,
		JobType: job.Type,
		Kind:    job.Type.Kind(),
		Summary: unimplementedSummary(job),
	}
}

func unimplementedSummary(job jobs.Job) string {
	switch job.Type.Kind() {
	case jobs.KindSyncPush:
		return "sync push: no sync repository configured"
	case jobs.KindRouter:
		return fmt.Sprintf("router %s: no router adapter", strings.TrimPrefix(string(job.Type), "router_"))
	case jobs.KindGCP:
		return fmt.Sprintf("gcp %s: no cloud adapter", strings.TrimPrefix(string(job.Type), "gcp_"))
	case jobs.KindVoucher:
		return fmt.Sprintf("voucher %s: no voucher backend", strings.TrimPrefix(string(job.Type), "voucher_"))
	case jobs.KindDeviceRequest:
		return "device request: handled manually"
	case jobs.KindOther:
		return fmt.Sprintf("%s: no action registered", job.Type)
	}
	return fmt.Sprintf("%s: no action registered", job.Type)
}

// SyncPush pulls the shared repository with fast-forward only.
type SyncPush struct {
	RepoDir string
}

func (SyncPush) Type() jobs.Type { return jobs.TypeSyncPush }

func (a SyncPush) Plan(job jobs.Job) Plan {
	return Plan{
		Summary:     fmt.Sprintf("git pull --ff-only in %s", a.RepoDir),
		Command:     []string{"git", "-C", a.RepoDir, "pull", "--ff-only"},
		Implemented: true,
	}
}

// DefaultRegistry registers every action the configuration supports.
func DefaultRegistry(cfg config.ExecutorConfig) *Registry {
	reg := NewRegistry()
	if strings.TrimSpace(cfg.SyncRepoDir) == "" {
		log.Warn().Msg("sync repo dir not configured, sync_push will plan as unimplemented")
		return reg
	}
	if err := reg.Register(SyncPush{RepoDir: cfg.SyncRepoDir}); err != nil {
		log.Error().Err(err).Msg("register sync_push action")
	}
	return reg
}
