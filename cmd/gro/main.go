package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/gro/internal/config"
	"github.com/ngoclaw/gro/internal/connrecovery"
	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/httpapi"
	"github.com/ngoclaw/gro/internal/llm"
	_ "github.com/ngoclaw/gro/internal/llm/anthropic"
	_ "github.com/ngoclaw/gro/internal/llm/gemini"
	_ "github.com/ngoclaw/gro/internal/llm/openai"
	"github.com/ngoclaw/gro/internal/logging"
	"github.com/ngoclaw/gro/internal/memory"
	"github.com/ngoclaw/gro/internal/page"
	"github.com/ngoclaw/gro/internal/persistence"
	"github.com/ngoclaw/gro/internal/rpc"
	"github.com/ngoclaw/gro/internal/runtimestate"
	"github.com/ngoclaw/gro/internal/scheduler"
	"github.com/ngoclaw/gro/internal/sensor"
	"github.com/ngoclaw/gro/internal/streaming"
	"github.com/ngoclaw/gro/internal/telegram"
	"github.com/ngoclaw/gro/internal/tool"
	"github.com/ngoclaw/gro/internal/tui"
	"github.com/ngoclaw/gro/pkg/safego"
)

const (
	version = "0.1.0"
	appName = "gro"
)

// Exit codes per the CLI surface's documented contract: success, generic
// failure, budget exhaustion, idle timeout.
const (
	exitOK             = 0
	exitGenericFailure = 1
	exitBudgetExceeded = 2
	exitIdleTimeout    = 3
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName + " [message]",
		Short: "gro — a provider-agnostic runtime for long-lived LLM tool-calling agents",
		Args:  cobra.ArbitraryArgs,
		RunE:  runOneShot,
	}

	rootCmd.Flags().StringP("provider", "p", "", "override the configured provider")
	rootCmd.Flags().StringP("model", "m", "", "override the configured model")
	rootCmd.Flags().Bool("persistent", false, "run in persistent (work-first) mode instead of exiting after one turn")
	rootCmd.Flags().String("resume", "", "resume a prior session by id")
	rootCmd.Flags().BoolP("interactive", "i", false, "run a terminal chat loop instead of a single one-shot turn")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "start the HTTP, Telegram, gRPC, and websocket surfaces",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "check configuration and provider credentials",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitGenericFailure)
	}
}

// runOneShot wires a session from config + flags, runs it to completion (or
// indefinitely in persistent mode), and maps the scheduler's outcome onto
// the process exit code.
func runOneShot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if p, _ := cmd.Flags().GetString("provider"); p != "" {
		cfg.Provider = p
	}
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Model = m
	}
	if persistent, _ := cmd.Flags().GetBool("persistent"); persistent {
		cfg.Persistent = true
	}
	resumeID, _ := cmd.Flags().GetString("resume")

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sched, mem, sessionStore, sessionID, err := buildSession(cfg, log, resumeID)
	if err != nil {
		return err
	}

	interactive, _ := cmd.Flags().GetBool("interactive")
	if interactive {
		return runInteractive(ctx, cfg, sched, mem, sessionStore, sessionID)
	}

	if len(args) > 0 {
		if err := mem.Add(ctx, entity.Message{Role: entity.RoleUser, Content: strings.Join(args, " ")}); err != nil {
			return err
		}
	}

	outcome := sched.RunSession(ctx, cfg.SystemPrompt)
	fmt.Println(outcome.FinalText)
	saveSession(cfg, log, sessionStore, sessionID, mem)

	switch outcome.Status {
	case scheduler.StatusComplete:
		os.Exit(exitOK)
	case scheduler.StatusBudgetExhausted:
		os.Exit(exitBudgetExceeded)
	case scheduler.StatusIdleTimeout:
		os.Exit(exitIdleTimeout)
	default:
		os.Exit(exitGenericFailure)
	}
	return nil
}

// runInteractive drives the TUI chat loop: read a line from stdin, run a
// turn, render it, repeat until EOF or interrupt.
func runInteractive(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler, mem *memory.Memory, sessionStore *persistence.Store, sessionID string) error {
	view := tui.New(80, cfg.SystemPrompt, sched, mem)
	view.PrintBanner(cfg.Model)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			break
		}
		if ctx.Err() != nil {
			break
		}

		view.RunMessage(ctx, line)
	}

	saveSessionQuiet(cfg, sessionStore, sessionID, mem)
	return nil
}

func saveSession(cfg *config.Config, log *zap.Logger, sessionStore *persistence.Store, sessionID string, mem *memory.Memory) {
	if !cfg.SessionPersistence {
		return
	}
	if err := sessionStore.Save(&persistence.Session{
		ID:       sessionID,
		Messages: mem.Snapshot(),
		Meta:     persistence.SessionMeta{ID: sessionID, Provider: cfg.Provider, Model: cfg.Model},
	}); err != nil {
		log.Warn("session save failed", zap.Error(err))
	}
}

func saveSessionQuiet(cfg *config.Config, sessionStore *persistence.Store, sessionID string, mem *memory.Memory) {
	if !cfg.SessionPersistence {
		return
	}
	_ = sessionStore.Save(&persistence.Session{
		ID:       sessionID,
		Messages: mem.Snapshot(),
		Meta:     persistence.SessionMeta{ID: sessionID, Provider: cfg.Provider, Model: cfg.Model},
	})
}

// buildSession assembles every wired component a scheduler session needs:
// the page store, virtual memory, runtime state, sensors, the driver
// router built from configured providers, and the scheduler itself. When
// resumeID is set, the prior session's messages (sanitized) seed memory.
func buildSession(cfg *config.Config, log *zap.Logger, resumeID string) (*scheduler.Scheduler, *memory.Memory, *persistence.Store, string, error) {
	pageStore, err := page.NewStore(filepath.Join(cfg.WorkDir, "pages"))
	if err != nil {
		return nil, nil, nil, "", err
	}
	sessionStore, err := persistence.NewStore(filepath.Join(cfg.WorkDir, "context"))
	if err != nil {
		return nil, nil, nil, "", err
	}

	router := llm.NewRouter(log)
	for _, p := range cfg.Providers {
		d := llm.CreateDriver(p.Name, llm.ProviderConfig{Name: p.Name, BaseURL: p.BaseURL, APIKey: p.APIKey, Models: p.Models}, log)
		if d != nil {
			router.AddDriver(d)
		}
	}
	if len(cfg.Providers) == 0 {
		if d := llm.CreateDriver(cfg.Provider, llm.ProviderConfig{Name: cfg.Provider, BaseURL: cfg.BaseURL, APIKey: cfg.APIKey}, log); d != nil {
			router.AddDriver(d)
		}
	}

	summarizer := memory.NewDriverSummarizer(router, cfg.Model)
	mem := memory.New(pageStore, memory.DefaultParams(), memory.ModeSync, summarizer, nil, log)

	rt := runtimestate.New(runtimestate.Defaults{
		Temperature:   0.7,
		TopP:          1,
		TopK:          40,
		WorkingBudget: cfg.ContextTokens,
		BaseModel:     cfg.Model,
	}, log)

	dejavu := sensor.NewDejaVuTracker(200, 2)
	famil := sensor.NewFamiliarityTracker()

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Persistent = cfg.Persistent
	if cfg.PersistentPolicy == string(scheduler.PolicyListenOnly) {
		schedCfg.PersistentPolicy = scheduler.PolicyListenOnly
	}
	if cfg.MaxIdleNudges > 0 {
		schedCfg.MaxIdleNudges = cfg.MaxIdleNudges
	}
	if cfg.MaxToolRounds > 0 {
		schedCfg.MaxToolRounds = cfg.MaxToolRounds
	}
	schedCfg.MaxBudgetUsd = cfg.MaxBudgetUsd
	schedCfg.MaxTier = llm.EffortLabel(cfg.MaxTier)
	schedCfg.ConnRecovery = connrecovery.Options{}

	sched := scheduler.New(schedCfg, router, tool.NewInMemoryRegistry(), mem, rt, dejavu, famil, log)

	sessionID := resumeID
	if sessionID == "" {
		sessionID = newSessionID()
	} else {
		prior, err := sessionStore.Load(sessionID)
		if err == nil {
			for _, m := range prior.Messages {
				_ = mem.Add(context.Background(), m)
			}
		}
	}

	return sched, mem, sessionStore, sessionID, nil
}

func newSessionID() string {
	return "sess_" + uuid.New().String()[:8]
}

// runServe starts every configured external surface — HTTP, websocket,
// Telegram relay, gRPC — against one shared scheduler session, and blocks
// until interrupted.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sched, mem, sessionStore, sessionID, err := buildSession(cfg, log, "")
	if err != nil {
		return err
	}

	httpSrv := httpapi.NewServer(httpapi.Config{Host: "0.0.0.0", Port: cfg.Serve.HTTPPort, Mode: "production"}, cfg.SystemPrompt, httpapi.NewRunner(sched, mem), log)
	if err := httpSrv.Start(ctx); err != nil {
		return err
	}
	defer httpSrv.Stop(context.Background())

	if cfg.Serve.WebsocketEnabled {
		hub := streaming.NewHub(cfg.SystemPrompt, sched, mem, log)
		safego.Go(log, "ws-hub-run", func() { hub.Run(ctx) })
		log.Info("websocket streaming hub started")
	}

	rpcSrv := rpc.NewServer(sched, mem, cfg.SystemPrompt, cfg.Serve.RPCPort, log)
	if err := rpcSrv.Start(); err != nil {
		return err
	}
	defer rpcSrv.Stop()

	if cfg.Serve.TelegramBotToken != "" {
		relay, err := telegram.NewRelay(telegram.Config{
			BotToken:       cfg.Serve.TelegramBotToken,
			AllowedUserIDs: cfg.Serve.TelegramAllowedIDs,
		}, cfg.SystemPrompt, sched, mem, log)
		if err != nil {
			log.Warn("telegram relay disabled", zap.Error(err))
		} else {
			if err := relay.Start(ctx); err != nil {
				log.Warn("telegram relay failed to start", zap.Error(err))
			} else {
				defer relay.Stop()
			}
		}
	}

	log.Info("gro serving", zap.Int("http_port", cfg.Serve.HTTPPort), zap.Int("rpc_port", cfg.Serve.RPCPort))
	<-ctx.Done()
	saveSession(cfg, log, sessionStore, sessionID, mem)
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fmt.Printf("provider: %s\nmodel: %s\nwork_dir: %s\n", cfg.Provider, cfg.Model, cfg.WorkDir)
	if cfg.APIKey == "" && len(cfg.Providers) == 0 {
		return fmt.Errorf("no provider credentials configured")
	}
	fmt.Println("configuration OK")
	return nil
}
