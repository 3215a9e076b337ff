// Command supportflow runs the support-conversation pipeline: single runs,
// parallel batches, and gateway tool inspection.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"supportflow/pkg/analytics"
	"supportflow/pkg/config"
	"supportflow/pkg/gateway"
	"supportflow/pkg/logx"
	"supportflow/pkg/procedures"
	"supportflow/pkg/proto"
	"supportflow/pkg/runner"
	"supportflow/pkg/state"
	"supportflow/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

//nolint:gochecknoglobals // Cobra flags bind to package-level vars
var (
	flagConfig    string
	flagDryRun    bool
	flagTestMode  bool
	flagDebug     bool
	flagProcedure string
	flagSubject   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "supportflow",
		Short:         "Support conversation orchestration pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "validate writes but do not send them")
	root.PersistentFlags().BoolVar(&flagTestMode, "test-mode", false, "run against the test harness (forces dry-run)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newBatchCmd(), newToolsCmd(), newProceduresCmd(), newVersionCmd())
	return root
}

func loadConfig() (config.Config, error) {
	if flagDebug {
		logx.SetDebug(true, nil)
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagDryRun {
		cfg.DryRun = true
	}
	if flagTestMode {
		cfg.Mode = proto.ModeTest
		cfg.DryRun = true
	}
	return cfg, nil
}

func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <conversation-id>",
		Short: "Run the pipeline for one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r, err := runner.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = analytics.Close() }()

			ctx, cancel := runContext()
			defer cancel()

			st, err := r.Run(ctx, runner.Input{
				ConversationID: args[0],
				Subject:        flagSubject,
				ProcedureID:    flagProcedure,
			})
			if err != nil {
				return err
			}
			return printOutcome(st)
		},
	}
	cmd.Flags().StringVar(&flagProcedure, "procedure", "", "procedure id to apply directly")
	cmd.Flags().StringVar(&flagSubject, "subject", "", "override the conversation subject")
	return cmd
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file>",
		Short: "Run the pipeline for every conversation id in a file, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open batch file: %w", err)
			}
			defer func() { _ = f.Close() }()

			var inputs []runner.Input
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				id := strings.TrimSpace(scanner.Text())
				if id == "" || strings.HasPrefix(id, "#") {
					continue
				}
				inputs = append(inputs, runner.Input{ConversationID: id})
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read batch file: %w", err)
			}
			if len(inputs) == 0 {
				return fmt.Errorf("batch file %s has no conversation ids", args[0])
			}

			r, err := runner.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = analytics.Close() }()

			ctx, cancel := runContext()
			defer cancel()

			results := r.RunBatch(ctx, inputs)
			failed := 0
			for _, res := range results {
				status := "-"
				if res.State != nil && res.State.Final != nil {
					status = string(res.State.Final.Status)
				}
				if res.Err != nil {
					failed++
					fmt.Printf("%s\t%s\t%v\n", res.ConversationID, status, res.Err)
					continue
				}
				fmt.Printf("%s\t%s\n", res.ConversationID, status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs failed", failed, len(results))
			}
			return nil
		},
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the gateway exposes",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := runContext()
			defer cancel()

			tools, err := gateway.NewHTTPClient(cfg.Endpoints.Gateway).ListTools(ctx)
			if err != nil {
				return err
			}
			for i := range tools {
				fmt.Printf("%-45s %-16s %s\n", tools[i].Name, tools[i].Kind, tools[i].Description)
			}
			return nil
		},
	}
}

func newProceduresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "procedures <query>",
		Short: "Search the procedure store for matching runbooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := runContext()
			defer cancel()

			candidates, err := procedures.NewHTTPStore(cfg.Endpoints.ProcedureStore).Search(ctx, args[0])
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Println("no matching procedures")
				return nil
			}
			for _, c := range candidates {
				fmt.Printf("%-24s %6.2f  %s\n", c.ID, c.Score, c.Title)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("supportflow %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

// printOutcome writes a human summary on a TTY and the full state JSON when
// piped, so scripted callers get the machine-readable record.
func printOutcome(st *state.ConversationState) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal run state: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	status := proto.StatusError
	if st.Final != nil {
		status = st.Final.Status
	}
	fmt.Printf("Run %s: %s\n", st.RunID, status)
	fmt.Printf("  hops=%d actions=%d validations=%d\n", len(st.Hops), len(st.Actions), len(st.Validations))
	if st.Escalation != nil {
		fmt.Printf("  escalated (%s): %s\n", st.Escalation.Source, st.Escalation.Reason)
	}
	if st.CurrentDraft != nil && st.Delivery != nil && st.Delivery.Delivered {
		fmt.Printf("  reply:\n%s\n", st.CurrentDraft.Text)
	}
	return nil
}
