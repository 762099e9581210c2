package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/opshub/internal/config"
	"github.com/danmuck/opshub/internal/hub"
	"github.com/danmuck/opshub/internal/jobs"
	"github.com/danmuck/opshub/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	root       string
	hubURL     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "hubctl",
		Short: "Run and drive the opshub job hub",
		Long: `hubctl runs the job hub HTTP service and talks to a running hub.

Writes (submit, confirm, archive) need the shared token from
OPSHUB_HUB_TOKEN. A hub started without a token rejects every write.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&flags.root, "root", "", "hub data root (overrides config and OPSHUB_ROOT)")
	root.PersistentFlags().StringVar(&flags.hubURL, "hub", "", "hub base URL for client commands (default http://<hub addr>)")

	root.AddCommand(
		newServeCmd(flags),
		newSubmitCmd(flags),
		newActionCmd(flags, "confirm", "Confirm an inbox job", (*hub.Client).Confirm),
		newActionCmd(flags, "archive", "Archive an inbox job", (*hub.Client).Archive),
		newListCmd(flags),
		newGetCmd(flags),
	)
	return root
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the hub HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath, environ)
			if err != nil {
				return err
			}
			cfg, err = finalize(cfg, flags.root, addr)
			if err != nil {
				return err
			}
			observability.InitLogger("hubctl")

			srv, err := hub.NewServer(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config and OPSHUB_HUB_ADDR)")
	return cmd
}

func newSubmitCmd(flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job document (use --file - for stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return fmt.Errorf("submit: %s is not valid JSON", file)
			}
			client, _, err := newClient(flags)
			if err != nil {
				return err
			}
			job, err := client.Submit(cmd.Context(), json.RawMessage(data))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "job JSON file")
	return cmd
}

type actionFunc func(c *hub.Client, ctx context.Context, id, actor string) (jobs.Job, error)

func newActionCmd(flags *globalFlags, use, short string, fn actionFunc) *cobra.Command {
	var id, actor string
	cmd := &cobra.Command{
		Use:   use + " --id <job-id>",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newClient(flags)
			if err != nil {
				return err
			}
			job, err := fn(client, cmd.Context(), id, resolveActor(actor, cfg))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	cmd.Flags().StringVar(&actor, "actor", "", "actor recorded on the job (default $USER)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newListCmd(flags *globalFlags) *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient(flags)
			if err != nil {
				return err
			}
			list, err := client.List(cmd.Context(), jobs.State(state), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&state, "state", string(jobs.StateInbox), "inbox|archive")
	cmd.Flags().IntVar(&limit, "limit", hub.DefaultListLimit, "maximum jobs to return")
	return cmd
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "get --id <job-id>",
		Short: "Show one job and its mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newClient(flags)
			if err != nil {
				return err
			}
			job, state, err := client.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"state": state, "job": job})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newClient(flags *globalFlags) (*hub.Client, config.Config, error) {
	cfg, err := loadConfig(flags.configPath, environ)
	if err != nil {
		return nil, config.Config{}, err
	}
	return hub.NewClient(hubURL(flags.hubURL, cfg), cfg.Hub.Token), cfg, nil
}

func hubURL(flag string, cfg config.Config) string {
	if v := strings.TrimSpace(flag); v != "" {
		return v
	}
	return "http://" + cfg.Hub.Addr
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resolveActor prefers the --actor flag, then the configured operator.
func resolveActor(flag string, cfg config.Config) string {
	if v := strings.TrimSpace(flag); v != "" {
		return v
	}
	if cfg.Operator != "" {
		return cfg.Operator
	}
	log.Debug().Msg("no operator configured, actor defaults to hubctl")
	return "hubctl"
}
