package executor

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/opshub/internal/audit"
	"github.com/danmuck/opshub/internal/jobs"
	"github.com/danmuck/opshub/internal/jobstore"
	"github.com/danmuck/opshub/internal/observability"
	"github.com/danmuck/opshub/internal/policy"
	"github.com/danmuck/opshub/internal/tools"
	"github.com/rs/zerolog/log"
)

const Actor = "executor"

var ErrMissingDependency = errors.New("executor: missing dependency")

// Decider is the policy surface the executor needs.
type Decider interface {
	Decide(in policy.Input) policy.Decision
}

type Options struct {
	Store    jobstore.Store
	Policy   Decider
	Audit    audit.Sink
	Registry *Registry
	Runner   tools.CommandRunner

	// Execute is the operator's request to run plans. It has no effect
	// unless KillSwitchEnabled is also true.
	Execute           bool
	KillSwitchEnabled bool
	Timeout           time.Duration
	Now               func() time.Time
}

type Executor struct {
	store    jobstore.Store
	policy   Decider
	audit    audit.Sink
	registry *Registry
	runner   tools.CommandRunner
	execute  bool
	enabled  bool
	timeout  time.Duration
	now      func() time.Time
}

// Summary counts what one pass did.
type Summary struct {
	Mode          string `json:"mode"`
	Scanned       int    `json:"scanned"`
	ParseFailed   int    `json:"parse_failed"`
	Unconfirmed   int    `json:"unconfirmed"`
	Denied        int    `json:"denied"`
	Planned       int    `json:"planned"`
	Unimplemented int    `json:"unimplemented"`
	Previewed     int    `json:"previewed"`
	Executed      int    `json:"executed"`
	Failed        int    `json:"failed"`
	Unrecorded    int    `json:"unrecorded"`
	Archived      int    `json:"archived"`
}

func (s Summary) Fields() map[string]any {
	return map[string]any{
		"mode":          s.Mode,
		"scanned":       s.Scanned,
		"parse_failed":  s.ParseFailed,
		"unconfirmed":   s.Unconfirmed,
		"denied":        s.Denied,
		"planned":       s.Planned,
		"unimplemented": s.Unimplemented,
		"unrecorded":    s.Unrecorded,
		"previewed":     s.Previewed,
		"executed":      s.Executed,
		"failed":        s.Failed,
		"archived":      s.Archived,
	}
}

const (
	ModePreview = "preview"
	ModeExecute = "execute"
)

func New(opts Options) (*Executor, error) {
	if opts.Store == nil || opts.Policy == nil {
		return nil, ErrMissingDependency
	}
	e := &Executor{
		store:    opts.Store,
		policy:   opts.Policy,
		audit:    opts.Audit,
		registry: opts.Registry,
		runner:   opts.Runner,
		execute:  opts.Execute,
		enabled:  opts.KillSwitchEnabled,
		timeout:  opts.Timeout,
		now:      opts.Now,
	}
	if e.audit == nil {
		e.audit = audit.Discard{}
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.runner == nil {
		e.runner = tools.ExecRunner{}
	}
	if e.timeout <= 0 {
		e.timeout = 120 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Live reports whether this executor will run plans.
func (e *Executor) Live() bool {
	return e.execute && e.enabled
}

func (e *Executor) Mode() string {
	if e.Live() {
		return ModeExecute
	}
	return ModePreview
}

// Preview evaluates job and builds its plan without touching a store or
// an audit log. Denied jobs get an empty plan.
func Preview(decider Decider, reg *Registry, job jobs.Job) (policy.Decision, Plan) {
	d := decider.Decide(policy.Input{Job: job, BiometricVerified: job.BiometricVerified})
	if !d.OK {
		return d, Plan{}
	}
	return d, BuildPlan(reg, job)
}

// Pass processes the inbox once, oldest job first. It returns an error only
// when the inbox cannot be enumerated; per-job problems are audited.
func (e *Executor) Pass(ctx context.Context) (Summary, error) {
	summary := Summary{Mode: e.Mode()}
	e.record(audit.KindPassStarted, "", map[string]any{
		"mode":                e.Mode(),
		"execute_requested":   e.execute,
		"kill_switch_enabled": e.enabled,
		"actions":             e.registry.Types(),
	})

	entries, err := e.store.Scan(ctx, jobs.StateInbox)
	if err != nil {
		e.record(audit.KindPassFinished, "", map[string]any{"error": err.Error()})
		return summary, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Msg("executor pass interrupted")
			break
		}
		summary.Scanned++
		e.process(ctx, entry, &summary)
	}

	e.record(audit.KindPassFinished, "", summary.Fields())
	log.Info().
		Str("mode", summary.Mode).
		Int("scanned", summary.Scanned).
		Int("executed", summary.Executed).
		Int("failed", summary.Failed).
		Int("denied", summary.Denied).
		Msg("executor pass finished")
	return summary, nil
}

func (e *Executor) process(ctx context.Context, entry jobstore.Entry, summary *Summary) {
	if entry.Err != nil {
		summary.ParseFailed++
		e.outcome(audit.KindJobParseFailed, entry.ID, map[string]any{"error": entry.Err.Error()})
		return
	}
	job := entry.Job
	if !job.Hub.Confirmed {
		summary.Unconfirmed++
		e.outcome(audit.KindJobSkippedUnconfirmed, job.ID, map[string]any{"type": string(job.Type)})
		return
	}

	decision := e.policy.Decide(policy.Input{Job: job, BiometricVerified: job.BiometricVerified})
	observability.RecordPolicyDecision(int(decision.PermissionStage), decision.OK, decision.Reason)
	e.record(audit.KindPolicyDecision, job.ID, decision.Fields())
	if !decision.OK {
		summary.Denied++
		e.outcome(audit.KindJobDenied, job.ID, map[string]any{"reason": decision.Reason})
		return
	}

	plan := BuildPlan(e.registry, job)
	summary.Planned++
	fields := plan.Fields()
	fields["mode"] = e.Mode()
	e.record(audit.KindJobPlan, job.ID, fields)
	log.Info().Str("job_id", job.ID).Str("mode", e.Mode()).Msg(plan.Summary)

	if !plan.Implemented {
		summary.Unimplemented++
		e.outcome(audit.KindJobUnimplemented, job.ID, map[string]any{"type": string(job.Type), "summary": plan.Summary})
		return
	}
	if !e.Live() {
		summary.Previewed++
		observability.RecordExecutorOutcome("previewed")
		return
	}

	state := e.run(ctx, plan)
	updated, err := e.store.Update(ctx, job.ID, func(j *jobs.Job) error {
		j.Executor = &state
		j.Hub.ExecutedAt = state.ExecutedAt
		ok := state.OK
		j.Hub.ExecutedOK = &ok
		return nil
	})
	if err != nil {
		// the command ran; only the write-back was lost, usually to a
		// concurrent archive
		log.Error().Err(err).Str("job_id", job.ID).Bool("ok", state.OK).Msg("record execution result")
		if state.OK {
			summary.Executed++
		} else {
			summary.Failed++
		}
		summary.Unrecorded++
		fields := executionFields(state)
		fields["record_error"] = err.Error()
		e.outcome(audit.KindJobResultUnrecorded, job.ID, fields)
		return
	}

	resultFields := executionFields(state)
	if !state.OK {
		summary.Failed++
		e.outcome(audit.KindJobExecutionFailed, job.ID, resultFields)
		return
	}
	summary.Executed++
	e.outcome(audit.KindJobExecuted, job.ID, resultFields)

	// archive only what is still confirmed after the result write
	if !updated.Hub.Confirmed {
		return
	}
	if _, err := e.store.Archive(ctx, job.ID, func(j *jobs.Job) {
		now := e.now().UTC()
		j.Hub.ArchivedAt = &now
		j.Hub.ArchivedBy = Actor
	}); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("archive executed job")
		e.record(audit.KindJobExecutionFailed, job.ID, map[string]any{"error": "archive: " + err.Error()})
		return
	}
	summary.Archived++
	observability.RecordJobTransition(audit.KindJobArchived)
	e.record(audit.KindJobArchived, job.ID, map[string]any{"archived_by": Actor})
}

// run executes plan under the configured timeout. Output is reduced to its
// length before it leaves this function.
func (e *Executor) run(ctx context.Context, plan Plan) jobs.ExecutorState {
	started := e.now().UTC()
	state := jobs.ExecutorState{StartedAt: &started}

	if len(plan.Command) == 0 {
		finished := e.now().UTC()
		state.ExecutedAt = &finished
		state.ReturnCode = 1
		state.Error = "empty command"
		return state
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	begin := time.Now()
	res, err := e.runner.Run(runCtx, plan.Command[0], plan.Command[1:]...)
	observability.RecordAction(string(plan.JobType), err == nil && res.ReturnCode == 0, time.Since(begin))

	finished := e.now().UTC()
	state.ExecutedAt = &finished
	state.ReturnCode = res.ReturnCode
	state.StdoutLen = len(res.Stdout)
	state.StderrLen = len(res.Stderr)
	state.OK = err == nil && res.ReturnCode == 0
	if err != nil {
		state.Error = err.Error()
	} else if res.ReturnCode != 0 {
		state.Error = "non-zero exit"
	}
	return state
}

func executionFields(state jobs.ExecutorState) map[string]any {
	fields := map[string]any{
		"ok":         state.OK,
		"returncode": state.ReturnCode,
		"stdout_len": state.StdoutLen,
		"stderr_len": state.StderrLen,
	}
	if state.Error != "" {
		fields["error"] = state.Error
	}
	return fields
}

func (e *Executor) outcome(kind, jobID string, fields map[string]any) {
	observability.RecordExecutorOutcome(kind)
	e.record(kind, jobID, fields)
}

func (e *Executor) record(kind, jobID string, fields map[string]any) {
	rec := audit.Record{
		Timestamp: e.now().UTC(),
		Kind:      kind,
		JobID:     jobID,
		Actor:     Actor,
		Fields:    fields,
	}
	if err := e.audit.Append(rec); err != nil {
		log.Error().Err(err).Str("kind", kind).Str("job_id", jobID).Msg("audit append failed")
	}
}
