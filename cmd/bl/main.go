package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildline/internal/app"
	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/events"
	"buildline/internal/ledger"
	"buildline/internal/migrate"
	"buildline/internal/repo"
	"buildline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Buildline CLI",
	Long: `Buildline runs development requests through a credit-metered lifecycle.
Core concepts:
- Workspace: your .buildline directory holding the database; buildline.yml carries the config.
- Request: one dev ask that flows submitted -> analyzed -> proposal_ready -> approved -> building -> staging -> completed.
- Subtasks: the proposed work breakdown; each may depend on one predecessor and must be approved before the build is.
- Credits: every metered stage reserves credits first and only debits them when the stage lands.
- Verification: staging runs a validate-fix loop; exhausted retries need an explicit override or an abandon.
- Event log: diary of changes, view with 'bl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUILDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("account", "", "account id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(subtaskCmd())
	rootCmd.AddCommand(creditsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (buildline.yml): account id, stage costs, complexity multipliers, retry limits, and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default buildline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if accountID == "" {
				accountID = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(accountID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account status",
		Long:  "See the scoreboard: balance, available credits after holds, and request counts per state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				accountID := e.Config.Account.ID
				balance, err := e.Ledger.Balance(ctx, accountID)
				if err != nil {
					return err
				}
				available, err := e.Ledger.Available(ctx, accountID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountRequestsByState(ctx, accountID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"account_id":     accountID,
						"balance":        balance,
						"available":      available,
						"request_counts": counts,
					})
				}
				fmt.Printf("Account: %s\n", accountID)
				fmt.Printf("Credits: %d (available %d)\n", balance, available)
				fmt.Println("Requests:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage requests",
		Long:  "Requests are the work asks. Each metered stage reserves credits up front and commits them only on success, so a failed stage never costs anything.",
	}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestAdvanceCmd())
	req.AddCommand(requestAbandonCmd())
	req.AddCommand(requestRefineCmd())
	req.AddCommand(requestAttemptsCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var title, description, complexity string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Submit(ctx, engine.SubmitOptions{
					AccountID:   e.Config.Account.ID,
					ActorID:     viper.GetString("actor-id"),
					Title:       title,
					Description: description,
					Complexity:  complexity,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&complexity, "complexity", "", "simple, medium, complex or enterprise (graded from the text if omitted)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
					AccountID: e.Config.Account.ID,
					State:     state,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Complexity", "Failures", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.State, r.Complexity, r.ConsecutiveFailures, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestAdvanceCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a request to its next state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Advance(ctx, args[0], target, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target state")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func requestAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Abandon a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Abandon(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestRefineCmd() *cobra.Command {
	var instructions string
	cmd := &cobra.Command{
		Use:   "refine <id>",
		Short: "Refine a ready proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Refine(ctx, args[0], instructions, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "refinement instructions")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func requestAttemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts <id>",
		Short: "Show validation attempts for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Iteration", "Outcome", "Issues", "Fix"})
				for _, a := range items {
					run := a.RunID
					if len(run) > 8 {
						run = run[:8]
					}
					tw.AppendRow(table.Row{run, a.Iteration, a.Outcome, strings.Join(a.Issues, "; "), a.FixDescription})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func subtaskCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "subtask",
		Short: "Manage subtasks",
		Long:  "Subtasks break a proposal into ordered steps. Each may depend on one predecessor; a subtask is blocked until its predecessor completes, and every one must be approved before the request is.",
	}
	st.AddCommand(subtaskAddCmd())
	st.AddCommand(subtaskListCmd())
	st.AddCommand(subtaskReadyCmd())
	st.AddCommand(subtaskApproveCmd())
	st.AddCommand(subtaskApproveAllCmd())
	st.AddCommand(subtaskStartCmd())
	st.AddCommand(subtaskCompleteCmd())
	return st
}

func subtaskAddCmd() *cobra.Command {
	var opts engine.SubtaskCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a subtask to a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.AddSubtask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&opts.RequestID, "request", "", "request id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().IntVar(&opts.Order, "order", 0, "order index")
	cmd.Flags().StringVar(&opts.DependsOn, "depends-on", "", "predecessor subtask id")
	cmd.Flags().IntVar(&opts.EstimatedCost, "estimated-cost", 0, "estimated cost in credits")
	_ = cmd.MarkFlagRequired("request")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func subtaskListCmd() *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a request's subtasks in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubtasks(ctx, requestID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				byID := make(map[string]domain.Subtask, len(items))
				for _, st := range items {
					byID[st.ID] = st
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Order", "Status", "Depends On"})
				for _, st := range items {
					dep := ""
					if st.DependsOn != nil {
						dep = *st.DependsOn
					}
					tw.AppendRow(table.Row{st.ID, st.Title, st.OrderIndex, engine.EffectiveStatus(st, byID), dep})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "request id")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func subtaskReadyCmd() *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List subtasks ready to start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ReadySubtasks(ctx, requestID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "request id")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func subtaskApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.ApproveSubtask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func subtaskApproveAllCmd() *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "approve-all",
		Short: "Approve every pending subtask of a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ApproveAllSubtasks(ctx, requestID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"approved": n})
				}
				fmt.Printf("Approved %d subtask(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "request id")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func subtaskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Start an approved subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.StartSubtask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func subtaskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.CompleteSubtask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func creditsCmd() *cobra.Command {
	cr := &cobra.Command{
		Use:   "credits",
		Short: "Manage credits",
		Long:  "Credits meter the lifecycle: reserves show in the available number, debits only land when a stage succeeds, and the audit replays the whole log.",
	}
	cr.AddCommand(creditsBalanceCmd())
	cr.AddCommand(creditsHistoryCmd())
	cr.AddCommand(creditsTopupCmd())
	cr.AddCommand(creditsAuditCmd())
	return cr
}

func creditsBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show balance and available credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				accountID := e.Config.Account.ID
				balance, err := e.Ledger.Balance(ctx, accountID)
				if err != nil {
					return err
				}
				available, err := e.Ledger.Available(ctx, accountID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"account_id": accountID, "balance": balance, "available": available})
				}
				fmt.Printf("Balance: %d (available %d)\n", balance, available)
				return nil
			})
		},
	}
	return cmd
}

func creditsHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Transaction history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ledger.History(ctx, e.Config.Account.ID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Amount", "Reason", "Balance", "TS"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Amount, t.Reason, t.ResultingBalance, t.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func creditsTopupCmd() *cobra.Command {
	var amount int64
	var reason string
	cmd := &cobra.Command{
		Use:   "topup",
		Short: "Credit the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if reason == "" {
					reason = "topup"
				}
				balance, err := e.Ledger.Credit(ctx, e.Config.Account.ID, amount, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"balance": balance})
				}
				fmt.Printf("Balance: %d\n", balance)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to add")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the ledger")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func creditsAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay the transaction log and check conservation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Ledger.VerifyConservation(ctx, e.Config.Account.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				if report.Consistent {
					fmt.Printf("Ledger consistent: %d transactions replay to %d\n", report.Transactions, report.ReplayedSum)
					return nil
				}
				return fmt.Errorf("ledger inconsistent: cached %d, replayed %d (first bad txn %d)",
					report.CachedBalance, report.ReplayedSum, report.FirstBadTxnID)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submissions, state changes, credit moves, and verification outcomes.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, n, e.Config.Account.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (secret shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, raw, err := r.CreateAPIKey(ctx, viper.GetString("actor-id"), name, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("Created key %s for %s\nSecret (save it now): %s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("BUILDLINE_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacyHeader,
				}
				if authCfg.JWTSecret == "" && !allowLegacyHeader {
					return fmt.Errorf("BUILDLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Buildline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (local dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	led := ledger.Ledger{DB: conn, Events: events.Writer{DB: conn}}
	_, cfg, err := app.ResolveAccountAndConfig(ctx, workspace, viper.GetString("account"), r, led)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, engine.LocalCollaborators())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
