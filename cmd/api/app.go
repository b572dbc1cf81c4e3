package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"cloud-pbx/internal/audit"
	"cloud-pbx/internal/calls"
	"cloud-pbx/internal/cdr"
	"cloud-pbx/internal/config"
	"cloud-pbx/internal/coordinator"
	"cloud-pbx/internal/directory"
	"cloud-pbx/internal/events"
	"cloud-pbx/internal/metrics"
	"cloud-pbx/internal/routing"
	"cloud-pbx/internal/sentry"
	"cloud-pbx/internal/sessions"
	"cloud-pbx/internal/webhook"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// app holds the wired services. Construction order follows the dependency
// graph; close releases them in reverse.
type app struct {
	log *slog.Logger

	coord    *coordinator.Coordinator
	webhooks *webhook.Handler
	limiter  *webhook.SourceRateLimiter
	metrics  *metrics.Metrics
	cdrs     *cdr.Worker
	pub      events.Publisher
}

type schema interface {
	EnsureSchema(ctx context.Context) error
}

func buildApp(ctx context.Context, cfg config.Config, log *slog.Logger, db *sql.DB, rdb *redis.Client) (*app, error) {
	driver := cfg.DB.Driver
	a := &app{log: log}

	locks := coordinator.NewSQLLockStore(db, driver)
	dirStore := directory.NewSQLStore(db, driver)
	callsRepo := calls.NewSQLRepo(db, driver)
	auditRepo := audit.NewSQLRepo(db, driver)
	sessRepo := sessions.NewSQLRepo(db, driver)
	cdrRepo := cdr.NewSQLRepo(db, driver)
	for _, s := range []schema{locks, dirStore, callsRepo, auditRepo, sessRepo, cdrRepo} {
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}

	auditSvc := audit.NewService(auditRepo, log)

	// Metrics need the coordinator and the CDR worker for their gauges, and
	// both report into metrics; the callbacks close over a.
	a.coord = coordinator.New(coordinator.NewRedisPrimary(rdb), locks, coordinator.Options{
		HealthCheckInterval: cfg.Lock.HealthCheckInterval,
		Logger:              log,
		OnStateChange: func(degraded bool) {
			a.metrics.CoordinatorStateChange(degraded)
			auditSvc.LogCoordinatorTransition(context.WithoutCancel(ctx), degraded)
		},
	})

	var callEvents *events.CallEvents
	if cfg.MQTT.Broker != "" {
		pub, err := events.NewMQTTPublisher(events.MQTTOptions{Broker: cfg.MQTT.Broker, ClientID: cfg.MQTT.ClientID, QoS: 1})
		if err != nil {
			return nil, err
		}
		a.pub = pub
		callEvents = events.NewCallEvents(pub, cfg.MQTT.TopicPrefix, log)
	} else {
		log.Info("mqtt broker not configured, call events disabled")
	}

	a.cdrs = cdr.NewWorker(cdrRepo, cdr.WorkerOptions{
		Logger: log,
		OnStored: func(ctx context.Context, r cdr.Record) {
			if callEvents != nil {
				callEvents.PublishCDR(ctx, r.TenantID, r)
			}
		},
		OnFailed: func(cdr.Record, error) { a.metrics.CDRDropped() },
	})
	a.metrics = metrics.New(metrics.NewCollector(a.coord, a.cdrs, time.Now()))

	if cfg.Directory.File != "" {
		mem, err := directory.LoadFile(cfg.Directory.File)
		if err != nil {
			return nil, err
		}
		// The file is the source of truth; mirror it so every node resolves alike.
		if err := dirStore.Import(ctx, mem.All()); err != nil {
			return nil, err
		}
		log.Info("directory file imported", "path", cfg.Directory.File)
	}
	resolver := directory.NewCachedResolver(dirStore, a.coord, 0)

	if a.pub != nil {
		if sub, ok := a.pub.(events.Subscriber); ok {
			if err := events.ListenInvalidation(ctx, sub, cfg.MQTT.TopicPrefix, resolver, log); err != nil {
				return nil, err
			}
		}
	}

	sm := calls.NewStateMachine(callsRepo, a.coord, calls.Options{
		LockTTL:  cfg.Lock.TTL,
		LockWait: cfg.Lock.WaitTimeout,
		Logger:   log,
		OnTransition: func(ctx context.Context, c calls.Call, from calls.CallStatus) {
			a.metrics.Transition(string(c.Status))
			if callEvents != nil {
				callEvents.OnTransition(ctx, c, from)
			}
		},
	})

	guard := sentry.NewDefault(a.coord, sentry.Options{
		Logger: log,
		OnBlock: func(ctx context.Context, call sentry.Call, did *directory.DID, res sentry.Result) {
			a.metrics.SentryBlock(res.Check)
			auditSvc.LogSentryBlock(ctx, call.TenantID, call.CallID, call.From, did.Number, res.Check, res.Reason)
		},
	})

	signer, err := routing.NewSessionSigner(cfg.Session.Secret, cfg.Session.TTL)
	if err != nil {
		return nil, err
	}
	dispatcher, ivr := routing.NewDefault(routing.Deps{
		Directory: resolver,
		Sessions:  signer,
		Turns:     routing.NewTurnStore(a.coord, 0),
		Callbacks: routing.Callbacks{BaseURL: cfg.App.PublicBaseURL},
		Logger:    log,
	})

	a.limiter = webhook.NewSourceRateLimiter(webhook.RateLimitConfig{
		Rate:  rate.Limit(cfg.Webhook.RateLimit),
		Burst: cfg.Webhook.RateBurst,
	})
	a.webhooks = webhook.New(webhook.Deps{
		Directory:         resolver,
		Sentry:            guard,
		Calls:             sm,
		Coordinator:       a.coord,
		Dispatcher:        dispatcher,
		IVR:               ivr,
		Sessions:          signer,
		SessionUpdates:    sessions.NewService(sessRepo),
		CDRs:              a.cdrs,
		Metrics:           a.metrics,
		RateLimiter:       a.limiter,
		IdempotencyWindow: cfg.Webhook.IdempotencyWindow,
		Budget:            cfg.Webhook.Budget,
		Logger:            log,
	})

	a.cdrs.Start()
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.cdrs.Stop(ctx); err != nil {
		a.log.Error("cdr worker stop failed", "err", err, "pending", a.cdrs.Depth())
	}
	a.limiter.Stop()
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.log.Warn("event publisher close failed", "err", err)
		}
	}
}
