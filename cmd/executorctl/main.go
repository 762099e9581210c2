package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/opshub/internal/audit"
	"github.com/danmuck/opshub/internal/config"
	"github.com/danmuck/opshub/internal/executor"
	"github.com/danmuck/opshub/internal/jobs"
	"github.com/danmuck/opshub/internal/jobstore"
	"github.com/danmuck/opshub/internal/observability"
	"github.com/danmuck/opshub/internal/policy"
	"github.com/danmuck/opshub/internal/tools"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	root       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "executorctl",
		Short: "Evaluate and run confirmed hub jobs",
		Long: `executorctl runs one batch pass over the hub inbox.

Without --execute, or while OPSHUB_EXECUTOR_ENABLED is not true, the pass
only previews: decisions and plans are audited, nothing runs and nothing
is archived. Do not run two passes against the same root at once.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&flags.root, "root", "", "hub data root (overrides config and OPSHUB_ROOT)")

	root.AddCommand(newRunCmd(flags), newDecideCmd(flags))
	return root
}

func resolveConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := loadConfig(flags.configPath, environ)
	if err != nil {
		return config.Config{}, err
	}
	return finalize(cfg, flags.root)
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pass over the inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(flags)
			if err != nil {
				return err
			}
			observability.InitLogger("executorctl")
			if execute && !cfg.Executor.Enabled {
				log.Warn().Str("env", config.EnvExecutorEnabled).Msg("--execute ignored: kill switch disabled, previewing only")
			}

			store, err := jobstore.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			auditLog, err := audit.Open(cfg.ExecutorAuditPath())
			if err != nil {
				return err
			}
			defer auditLog.Close()

			ex, err := executor.New(executor.Options{
				Store:             store,
				Policy:            policy.NewEngine(policy.NewStore(cfg.Policy)),
				Audit:             auditLog,
				Registry:          executor.DefaultRegistry(cfg.Executor),
				Runner:            tools.ExecRunner{},
				Execute:           execute,
				KillSwitchEnabled: cfg.Executor.Enabled,
				Timeout:           cfg.Executor.ExecTimeout,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			summary, err := ex.Pass(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "run allowed plans (also requires OPSHUB_EXECUTOR_ENABLED=true)")
	return cmd
}

type decideOutput struct {
	JobID    string          `json:"job_id"`
	Decision policy.Decision `json:"decision"`
	Plan     map[string]any  `json:"plan,omitempty"`
}

func newDecideCmd(flags *globalFlags) *cobra.Command {
	var jobPath string
	cmd := &cobra.Command{
		Use:   "decide --job <file>",
		Short: "Dry-run the policy decision and plan for one job file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(flags)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(jobPath)
			if err != nil {
				return fmt.Errorf("read job: %w", err)
			}
			job, err := jobs.Decode(data)
			if err != nil {
				return fmt.Errorf("parse job %s: %w", jobPath, err)
			}

			engine := policy.NewEngine(policy.NewStore(cfg.Policy))
			decision, plan := executor.Preview(engine, executor.DefaultRegistry(cfg.Executor), job)
			out := decideOutput{JobID: job.ID, Decision: decision}
			if decision.OK {
				out.Plan = plan.Fields()
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", "", "job JSON file")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
