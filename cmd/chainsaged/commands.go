package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ChainSage/internal/agent"
	"ChainSage/internal/api"
	"ChainSage/internal/config"
	"ChainSage/internal/observability/metrics"
	"ChainSage/internal/storage/mysql"
	"ChainSage/pkg/logger"
	"ChainSage/sdk/go/chainsage"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, task workers and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := newApplication(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			service, processor, err := app.buildTasks(ctx)
			if err != nil {
				return err
			}

			workerCtx, cancelWorkers := context.WithCancel(ctx)
			defer cancelWorkers()
			go func() {
				if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.L().Error("任务处理器异常退出", slog.Any("error", err))
				}
			}()

			if cfg.Metrics.Address != "" {
				go func() {
					if err := metrics.StartServer(ctx, cfg.Metrics.Address, app.metrics); err != nil && !errors.Is(err, context.Canceled) {
						logger.L().Error("指标服务异常退出", slog.Any("error", err))
					}
				}()
			}

			authService, err := app.buildAuth()
			if err != nil {
				return err
			}

			server := api.NewServer(cfg.Server.Address,
				api.WithAgent(app.agent),
				api.WithTaskService(service),
				api.WithMetrics(app.metrics),
				api.WithAuth(authService),
			)
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending MySQL migrations for the task and run stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			seen := map[string]bool{}
			for _, store := range []struct {
				name string
				db   config.DatabaseConfig
			}{
				{"task_store", cfg.Storage.TaskStore},
				{"run_store", cfg.Storage.RunStore},
			} {
				if !strings.EqualFold(store.db.Driver, "mysql") || seen[store.db.DSN] {
					continue
				}
				seen[store.db.DSN] = true
				if err := migrateStore(cmd, store.name, store.db); err != nil {
					return err
				}
			}
			if len(seen) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no mysql stores configured")
			}
			return nil
		},
	}
}

func migrateStore(cmd *cobra.Command, name string, dbCfg config.DatabaseConfig) error {
	db, err := mysql.Open(cmd.Context(), databaseConfig(dbCfg))
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := mysql.ApplyMigrations(cmd.Context(), db)
	for _, m := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: applied %s\n", name, m.Name)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: up to date\n", name)
	}
	return nil
}

func newToolsCommand(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the registered tool catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			app, err := newApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			descriptors := app.registry.Descriptors()
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, descriptors)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCATEGORY\tPARALLEL\tPARAMETERS\tDESCRIPTION")
			for _, d := range descriptors {
				params := make([]string, 0, len(d.Parameters))
				for _, p := range d.Parameters {
					name := p.Name + ":" + p.Type
					if !p.Required {
						name += "?"
					}
					params = append(params, name)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", d.Name, d.Category, d.ParallelSafe, strings.Join(params, ","), d.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	return cmd
}

type askOptions struct {
	server    string
	apiKey    string
	wallet    string
	chain     string
	retries   int
	timeout   time.Duration
	summarize bool
	async     bool
}

func newAskCommand(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Plan and execute a natural-language query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if opts.server != "" {
				return askRemote(cmd, opts, query)
			}
			return askLocal(cmd, root, opts, query)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", "", "base URL of a running chainsaged; runs locally when empty")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("CHAINSAGE_API_KEY"), "bearer token for a server with api_key auth")
	flags.StringVar(&opts.wallet, "wallet", "", "wallet address used by the query")
	flags.StringVar(&opts.chain, "chain", "", "chain name to query; defaults to the configured default chain")
	flags.IntVar(&opts.retries, "retries", -1, "per-tool retry limit; negative uses the engine default")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-tool timeout; zero uses the engine default")
	flags.BoolVar(&opts.summarize, "summarize", false, "ask the selector for a final natural-language answer")
	flags.BoolVar(&opts.async, "async", false, "with --server, submit as a task and wait for it")
	return cmd
}

func (o *askOptions) maxRetries() *int {
	if o.retries < 0 {
		return nil
	}
	n := o.retries
	return &n
}

func askLocal(cmd *cobra.Command, root *rootOptions, opts *askOptions, query string) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	app, err := newApplication(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.agent.Ask(cmd.Context(), agent.QueryRequest{
		Query:         query,
		WalletAddress: opts.wallet,
		ChainID:       opts.chain,
		MaxRetries:    opts.maxRetries(),
		TimeoutMS:     int(opts.timeout / time.Millisecond),
		Summarize:     opts.summarize,
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func askRemote(cmd *cobra.Command, opts *askOptions, query string) error {
	client, err := chainsage.NewClient(opts.server, nil)
	if err != nil {
		return err
	}
	client.SetAPIKey(opts.apiKey)
	ctx := cmd.Context()
	if !opts.async {
		result, err := client.Query(ctx, chainsage.QueryRequest{
			Query:         query,
			WalletAddress: opts.wallet,
			ChainID:       opts.chain,
			MaxRetries:    opts.maxRetries(),
			TimeoutMS:     int(opts.timeout / time.Millisecond),
			Summarize:     opts.summarize,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	}

	submitted, err := client.SubmitTask(ctx, chainsage.TaskSubmission{
		Query:         query,
		WalletAddress: opts.wallet,
		ChainID:       opts.chain,
		MaxRetries:    opts.maxRetries(),
		TimeoutMS:     int(opts.timeout / time.Millisecond),
		Summarize:     opts.summarize,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "submitted task %s\n", submitted.ID)
	done, err := client.WaitTask(ctx, submitted.ID, time.Second)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), done)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
