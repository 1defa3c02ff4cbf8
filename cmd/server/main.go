package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/watssabi-collector/server/internal/agent"
	"github.com/watssabi-collector/server/internal/core"
	"github.com/watssabi-collector/server/internal/gateway"
	"github.com/watssabi-collector/server/internal/httpapi"
	"github.com/watssabi-collector/server/internal/ledger"
	"github.com/watssabi-collector/server/internal/orchestrator"
	"github.com/watssabi-collector/server/internal/session"
	logx "github.com/watssabi-collector/server/pkg/logger"
	pkgredis "github.com/watssabi-collector/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the collector, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENVIRONMENT" default:"development"`
	ListenAddr  string `envconfig:"APP_LISTEN_ADDR" default:":8080"`

	// Infrastructure
	Redis    pkgredis.Config
	Database ledger.Config

	// Messaging gateway
	Twilio gateway.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`
	Agent   agent.Config
	Prompt  agent.PromptConfig

	// Conversation tuning
	Session      session.Config
	Orchestrator orchestrator.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	env := core.ParseEnvironment(cfg.Environment)
	logx.Init(logx.LoggerOpts{Environment: env})

	sessionTTL, err := time.ParseDuration(cfg.Session.TTL)
	if err != nil {
		logx.Fatal().Err(err).Str("ttl", cfg.Session.TTL).Msg("invalid SESSION_TTL")
	}
	lockTTL, err := time.ParseDuration(cfg.Session.LockTTL)
	if err != nil {
		logx.Fatal().Err(err).Str("ttl", cfg.Session.LockTTL).Msg("invalid SESSION_LOCK_TTL")
	}
	agentTimeout, err := time.ParseDuration(cfg.Agent.CallTimeout)
	if err != nil {
		logx.Fatal().Err(err).Str("timeout", cfg.Agent.CallTimeout).Msg("invalid AGENT_CALL_TIMEOUT")
	}

	rdb, err := cfg.Redis.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Redis client")
	}
	defer rdb.Close()

	db, err := ledger.Open(cfg.Database)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	led, err := ledger.NewGormLedger(db)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to migrate ledger schema")
	}

	chatModel, err := agent.NewChatModel(ctx, cfg.APIKey, cfg.BaseURL, cfg.Agent)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to build chat model")
	}

	store := session.NewRedisStore(rdb, sessionTTL)
	locker := session.NewRedisLocker(rdb, lockTTL)
	agentClient := agent.NewClient(chatModel, cfg.Prompt, agentTimeout)
	orch := orchestrator.New(store, locker, agentClient, led, cfg.Orchestrator, cfg.Session)

	twilio := gateway.NewClient(cfg.Twilio, logx.With().Str("component", "gateway").Logger())
	api := httpapi.NewServer(twilio, orch, twilio)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logx.Info().Str("addr", cfg.ListenAddr).Str("environment", env.String()).Msg("collector listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logx.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Error().Err(err).Msg("graceful shutdown failed")
	}
}
