package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/Mindburn-Labs/warden/pkg/appeal"
	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/cache"
	"github.com/Mindburn-Labs/warden/pkg/classifier"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/contextbuilder"
	"github.com/Mindburn-Labs/warden/pkg/decisionlog"
	"github.com/Mindburn-Labs/warden/pkg/dispatch"
	"github.com/Mindburn-Labs/warden/pkg/engine"
	"github.com/Mindburn-Labs/warden/pkg/escalation"
	"github.com/Mindburn-Labs/warden/pkg/globalban"
	"github.com/Mindburn-Labs/warden/pkg/ledger"
	"github.com/Mindburn-Labs/warden/pkg/llm"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/platform"
	"github.com/Mindburn-Labs/warden/pkg/platform/bridge"
	"github.com/Mindburn-Labs/warden/pkg/policy"
	"github.com/Mindburn-Labs/warden/pkg/store"
)

// Services is every wired component of a warden process.
type Services struct {
	Config   *config.Config
	DB       *sql.DB
	Dialect  store.Dialect
	Platform platform.Client

	Ledger        ledger.Ledger
	LedgerAdmin   *ledger.Admin
	Registry      globalban.Registry
	Enforcer      *globalban.Enforcer
	Communities   *config.Communities
	Confirmations *escalation.Manager
	Appeals       *appeal.Workflow
	Decisions     *decisionlog.Log
	Policy        *policy.Engine
	Audit         audit.Logger
	Observability *observability.Provider
	Dispatcher    *dispatch.Dispatcher
	Engine        *engine.Engine
}

type initer interface {
	Init(ctx context.Context) error
}

// NewServices opens the database, migrates every store and wires the
// pipeline. p overrides the bridge client when non-nil.
func NewServices(ctx context.Context, cfg *config.Config, p platform.Client) (*Services, error) {
	db, dialect, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	svc := &Services{Config: cfg, DB: db, Dialect: dialect, Platform: p}
	if svc.Platform == nil {
		svc.Platform = bridge.New(bridge.Config{URL: cfg.BridgeURL, Token: cfg.BridgeToken, RPS: cfg.BridgeRPS, Burst: 5})
	}

	ledgerStore := ledger.NewSQLStore(db, dialect)
	registryStore := globalban.NewSQLStore(db, dialect)
	configStore := config.NewSQLStore(db, dialect)
	escalationStore := escalation.NewSQLStore(db, dialect)
	appealStore := appeal.NewSQLStore(db, dialect)
	decisionStore := decisionlog.NewSQLStore(db, dialect)
	auditStore := audit.NewStoreLogger(db, dialect)
	for _, s := range []initer{ledgerStore, registryStore, configStore, escalationStore, appealStore, decisionStore, auditStore} {
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Printf("[warden] %s: stores ready", dialect)

	svc.Ledger = ledgerStore
	svc.Registry = registryStore
	var cfgStore config.Store = configStore
	if cfg.RedisURL != "" {
		c, err := cache.Dial(ctx, cfg.RedisURL, "warden:")
		if err != nil {
			log.Printf("[warden] redis: unavailable, running without cache: %v", err)
		} else {
			svc.Ledger = ledger.NewCachedLedger(ledgerStore, c, cfg.CacheTTL)
			svc.Registry = globalban.NewCachedRegistry(registryStore, c, cfg.CacheTTL)
			cfgStore = config.NewCachedStore(configStore, c, cfg.CacheTTL)
			log.Println("[warden] redis: cache enabled")
		}
	}

	var profile *config.Profile
	if cfg.ProfilePath != "" {
		if profile, err = config.LoadProfile(cfg.ProfilePath); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	svc.Communities = config.NewCommunities(cfgStore, profile)

	svc.Policy, err = policy.NewEngine()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	svc.Audit = audit.Tee(audit.NewLogger(), auditStore)
	svc.LedgerAdmin = ledger.NewAdmin(svc.Ledger, svc.Platform)
	svc.Enforcer = globalban.NewEnforcer(svc.Registry, svc.Platform, svc.Communities)
	svc.Confirmations = escalation.NewManager(escalationStore, cfg.ConfirmationTimeout)
	svc.Decisions = decisionlog.New(decisionStore)
	svc.Appeals = appeal.New(appealStore, svc.Ledger, svc.Enforcer, svc.Platform, appeal.Options{
		ArbiterID: cfg.AppealArbiterUserID,
		Email:     cfg.AppealEmail,
		Audit:     svc.Audit,
	})
	return svc, nil
}

// StartPipeline wires telemetry, the classifier and the inbound engine.
// Admin commands that never classify skip it.
func (s *Services) StartPipeline(ctx context.Context) error {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = s.Config.ServiceName
	obsCfg.OTLPEndpoint = s.Config.OTLPEndpoint
	obsCfg.Enabled = s.Config.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	s.Observability = obs

	s.Dispatcher = dispatch.New(dispatch.Deps{
		Platform:      s.Platform,
		Ledger:        s.Ledger,
		Enforcer:      s.Enforcer,
		Confirmations: s.Confirmations,
		Settings:      s.Communities,
		Policy:        s.Policy,
		Audit:         s.Audit,
		Observability: obs,
	})

	var client llm.Client = llm.NewOpenAIClient(llm.OpenAIConfig{
		Name:     "primary",
		BaseURL:  s.Config.LLMBaseURL,
		APIKey:   s.Config.LLMAPIKey,
		Provider: s.Config.LLMProvider,
		Model:    s.Config.DefaultModel,
	})
	if s.Config.LLMFallbackBaseURL != "" {
		client = llm.NewRouter(client, llm.NewOpenAIClient(llm.OpenAIConfig{
			Name:    "fallback",
			BaseURL: s.Config.LLMFallbackBaseURL,
			APIKey:  s.Config.LLMFallbackAPIKey,
			Model:   s.Config.LLMFallbackModel,
		}))
	}
	cls := classifier.New(client, s.Communities, s.Config.DefaultModel,
		classifier.WithSpendLimit(s.Config.ClassifierRPS, s.Config.ClassifierBurst),
		classifier.WithObservability(obs))

	s.Engine = engine.New(engine.Deps{
		Communities: s.Communities,
		Enforcer:    s.Enforcer,
		Builder:     contextbuilder.New(s.Platform, s.Ledger, s.Communities),
		Classifier:  cls,
		Decisions:   s.Decisions,
		Dispatcher:  s.Dispatcher,
		Operator: engine.Operator{
			Platform:  s.Platform,
			UserID:    s.Config.OperatorUserID,
			ChannelID: s.Config.OperatorChannelID,
		},
	})
	return nil
}

// Close releases the database and flushes telemetry.
func (s *Services) Close(ctx context.Context) {
	_ = s.Observability.Shutdown(ctx)
	_ = s.DB.Close()
}
