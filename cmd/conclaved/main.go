// conclaved wires the deliberation subsystem together: scorer, router,
// queue, voting service, policy guard, and saga orchestrator, all
// constructed explicitly and injected through constructors. The outer
// message bus attaches through the router and queue APIs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/conclavehq/conclave/pkg/advisor"
	"github.com/conclavehq/conclave/pkg/approval"
	"github.com/conclavehq/conclave/pkg/audit"
	"github.com/conclavehq/conclave/pkg/bus"
	"github.com/conclavehq/conclave/pkg/config"
	"github.com/conclavehq/conclave/pkg/contracts"
	"github.com/conclavehq/conclave/pkg/deliberation"
	"github.com/conclavehq/conclave/pkg/guard"
	"github.com/conclavehq/conclave/pkg/intent"
	"github.com/conclavehq/conclave/pkg/observability"
	"github.com/conclavehq/conclave/pkg/routing"
	"github.com/conclavehq/conclave/pkg/saga"
	"github.com/conclavehq/conclave/pkg/scoring"
	"github.com/conclavehq/conclave/pkg/store"
	"github.com/conclavehq/conclave/pkg/voting"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		loaded, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			logger.Error("profile load failed", "path", cfg.ProfilePath, "error", err)
			os.Exit(1)
		}
		profile = loaded
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "conclave",
		ServiceVersion: cfg.ServiceVersion,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
	})
	if err != nil {
		logger.Error("observability setup failed", "error", err)
		os.Exit(1)
	}

	auditSink := audit.NewDetachedSink(audit.NewWriterSink(), 1024, logger)
	defer auditSink.Close()

	queueOpts := []deliberation.Option{deliberation.WithAudit(auditSink)}
	if cfg.TaskStorePath != "" {
		taskStore, err := store.OpenSQLiteTaskStore(cfg.TaskStorePath)
		if err != nil {
			logger.Error("task store open failed", "path", cfg.TaskStorePath, "error", err)
			os.Exit(1)
		}
		defer func() { _ = taskStore.Close() }()
		queueOpts = append(queueOpts, deliberation.WithStore(taskStore))
	}

	queue := deliberation.NewQueue(logger, queueOpts...)
	defer queue.Close()
	if err := queue.Restore(ctx); err != nil {
		logger.Error("task restore failed", "error", err)
		os.Exit(1)
	}

	var rateTracker scoring.RateTracker
	var channel contracts.NotificationChannel
	if cfg.RedisAddr != "" {
		redisRate := store.NewRedisRateTracker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, time.Minute)
		defer func() { _ = redisRate.Close() }()
		rateTracker = redisRate

		redisChannel := approval.NewRedisChannel(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = redisChannel.Close() }()
		channel = redisChannel
	}

	var embedder scoring.Embedder
	if cfg.OpenAIAPIKey != "" {
		embedder = scoring.NewOpenAIEmbedder(cfg.OpenAIAPIKey)
	}

	scorer, err := scoring.New(profile.Weights, scoring.DefaultOptions(), embedder, rateTracker, logger)
	if err != nil {
		logger.Error("scorer construction failed", "error", err)
		os.Exit(1)
	}

	router, err := routing.NewRouter(profile.Routing, scorer, intent.NewClassifier(), queue, profile.Queue.EnqueueOptions(), logger)
	if err != nil {
		logger.Error("router construction failed", "error", err)
		os.Exit(1)
	}

	engine, err := guard.NewCELPolicyEngine()
	if err != nil {
		logger.Error("policy engine construction failed", "error", err)
		os.Exit(1)
	}
	// Baseline policy set; deployments replace these through the
	// policy registry collaborator.
	mustLoad(logger, engine.LoadConstraint("known-agent", `agent != ""`))
	mustLoad(logger, engine.LoadRiskRule("declared-risk", `"risk" in context ? double(context["risk"]) : 0.0`))

	var signerSecret []byte
	if cfg.SignerSecret != "" {
		signerSecret = []byte(cfg.SignerSecret)
	}
	signatures := guard.NewSignatureCollector(signerSecret, logger)
	critics := guard.NewCriticRegistry(logger)
	policyGuard := guard.New(profile.Guard, engine, signatures, critics, auditSink, logger)

	votes := voting.NewService(logger, auditSink)
	defer votes.Close()

	coordinator := approval.NewCoordinator(channel, queue, logger)
	orchestrator := saga.NewOrchestrator(logger, auditSink)

	var adv contracts.Advisor
	if cfg.AdvisorURL != "" {
		adv = advisor.NewHTTPAdvisor(cfg.AdvisorURL, cfg.OpenAIAPIKey, "")
	}

	subsystem := bus.New(router, queue, votes, policyGuard, coordinator, orchestrator, adv)

	logger.Info("conclave deliberation subsystem ready",
		"profile", profile.Name,
		"durable", cfg.TaskStorePath != "",
		"redis", cfg.RedisAddr != "")

	go reportStats(ctx, subsystem, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown failed", "error", err)
	}
}

// reportStats logs queue and routing health once a minute.
func reportStats(ctx context.Context, subsystem *bus.Subsystem, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			qs := subsystem.GetQueueStats()
			rs := subsystem.RoutingStats()
			logger.Info("deliberation stats",
				"tasks", qs.Total,
				"pending", qs.ByStatus[contracts.TaskPending],
				"avg_resolution_secs", qs.AvgResolutionSecs,
				"routed", rs.Total,
				"deliberation_rate", rs.DeliberationRate,
				"false_negatives", rs.FalseNegatives)
		case <-ctx.Done():
			return
		}
	}
}

func mustLoad(logger *slog.Logger, err error) {
	if err != nil {
		logger.Error("policy load failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
