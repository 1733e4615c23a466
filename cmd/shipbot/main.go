package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shipbot/internal/chat"
	"shipbot/internal/dispatch"
	"shipbot/internal/ingress"
	"shipbot/internal/model"
	"shipbot/internal/orchestrator"
	"shipbot/internal/policy"
	"shipbot/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "shipbot",
		Short:         "Chat-ops deploy verification bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("policy", policy.DefaultPolicyPath, "path to the policy file")

	root.AddCommand(serveCommand())
	root.AddCommand(policyInitCommand())
	root.AddCommand(verifyCommand())
	root.AddCommand(auditCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadPolicy(cmd *cobra.Command) (policy.Config, error) {
	path, _ := cmd.Flags().GetString("policy")
	cfg, _, err := policy.Load(path)
	return cfg, err
}

type runtimeDeps struct {
	cfg     policy.Config
	store   *store.RedisStore
	ci      dispatch.CIClient
	service *orchestrator.Service
	logger  *log.Logger
}

func buildDeps(cmd *cobra.Command, withChat bool) (*runtimeDeps, error) {
	cfg, err := loadPolicy(cmd)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stdout, "", log.LstdFlags)
	redisStore, err := store.NewRedisStore(cfg.Store.RedisURL)
	if err != nil {
		return nil, err
	}
	ci := dispatch.NewHTTPCIClient(cfg.CI.APIBaseURL, cfg.CI.Token, cfg.CI.Repo, 15*time.Second)
	var chatClient *chat.Client
	if withChat && cfg.Chat.BotToken != "" {
		chatClient = chat.NewClient(cfg.Chat.APIBaseURL, cfg.Chat.BotToken, 10*time.Second, logger)
	}
	return &runtimeDeps{
		cfg:     cfg,
		store:   redisStore,
		ci:      ci,
		service: orchestrator.NewService(cfg, redisStore, ci, chatClient, logger),
		logger:  logger,
	}, nil
}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingress server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := buildDeps(cmd, true)
			if err != nil {
				return err
			}
			defer deps.store.Close()

			refresher := dispatch.NewRefresher(deps.ci, deps.store, 30*time.Second, deps.logger)
			runtime, err := ingress.NewRuntime(ingress.Options{
				Addr:             deps.cfg.Server.Addr,
				ShutdownTimeout:  time.Duration(deps.cfg.Server.ShutdownTimeoutSeconds) * time.Second,
				ChatPublicKeyHex: deps.cfg.Chat.PublicKeyHex,
				VCSWebhookSecret: deps.cfg.VCS.WebhookSecret,
			}, deps.service, deps.service, refresher, deps.store, deps.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			deps.logger.Printf("shipbot listening addr=%s", deps.cfg.Server.Addr)
			return runtime.Run(ctx)
		},
	}
	return cmd
}

func policyInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "policy-init",
		Short: "Write a default policy file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("policy")
			if path == "" {
				path = policy.DefaultPolicyPath
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("policy file %s already exists", path)
			}
			if err := policy.SaveDefault(path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}

func verifyCommand() *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "verify <workflow>",
		Short: "Verify the most recent run of a workflow from the command line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps(cmd, false)
			if err != nil {
				return err
			}
			defer deps.store.Close()

			options := map[string]string{"workflow": args[0]}
			if branch != "" {
				options["branch"] = branch
			}
			resp := deps.service.Handle(cmd.Context(), model.Invocation{
				TraceID: "cli-verify",
				Command: "verify",
				Options: options,
				ActorID: "cli",
			})
			fmt.Println(resp.Text)
			if resp.Report != nil && resp.Report.OverallVerdict != model.ReportVerdictPass {
				return fmt.Errorf("verification failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch to verify")
	return cmd
}

func auditCommand() *cobra.Command {
	var actor string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit records for an actor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if actor == "" {
				return fmt.Errorf("--actor is required")
			}
			deps, err := buildDeps(cmd, false)
			if err != nil {
				return err
			}
			defer deps.store.Close()

			records, err := deps.service.AuditByActor(cmd.Context(), actor, limit)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			for _, record := range records {
				if err := encoder.Encode(record); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id to query")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records")
	return cmd
}
