package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/wahub-id/wahub/internal/auth"
	"github.com/wahub-id/wahub/internal/config"
	"github.com/wahub-id/wahub/internal/db"
	"github.com/wahub-id/wahub/internal/dispatch"
	"github.com/wahub-id/wahub/internal/events"
	httpapi "github.com/wahub-id/wahub/internal/http"
	"github.com/wahub-id/wahub/internal/media"
	"github.com/wahub-id/wahub/internal/message"
	"github.com/wahub-id/wahub/internal/metrics"
	"github.com/wahub-id/wahub/internal/quota"
	"github.com/wahub-id/wahub/internal/session"
	"github.com/wahub-id/wahub/internal/wa"
	"github.com/wahub-id/wahub/internal/worker"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	database := db.New(pool)

	stopStats := make(chan struct{})
	defer close(stopStats)
	go metrics.NewPGXPoolStats(pool).Start(15*time.Second, stopStats)

	// ---- Progress publisher ----
	var pub events.Publisher = events.NopPublisher{}
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		pub = events.NewRedisPublisher(rdb, log)
	}

	// ---- Domain services ----
	ledger := quota.NewLedger(database)
	msgStore := message.NewStore(database)

	authSvc := &auth.Service{
		DB:     database,
		Ledger: ledger,
		Tokens: auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		Mailer: &auth.LogMailer{Log: log},
		Grant:  cfg.InitialQuotaGrant,
		Log:    log,
	}

	// TODO: replace the fake dialer with the real transport bridge.
	mgr := session.NewManager(session.NewStore(database), wa.NewFakeDialer(), session.Options{
		BasePath:          cfg.SessionBasePath,
		InactivityTimeout: cfg.InactivityTimeout,
		MaxQRGeneration:   cfg.MaxQRGeneration,
		IdleClearsSession: cfg.IdleClearsSession,
	}, log)

	// Fan session lifecycle events (QR codes, ready, disconnects) out to the
	// same publisher the dispatch progress uses.
	go func() {
		for n := range mgr.Notifications() {
			if err := pub.Publish(rootCtx, "session:events:"+n.UserID, n); err != nil {
				log.WithError(err).Warn("failed to publish session event")
			}
		}
	}()

	wpool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, log)
	wpool.Start(rootCtx)

	engine := dispatch.NewEngine(ledger, msgStore, media.NewFetcher(), pub, wpool, dispatch.Options{
		BatchSize:         cfg.BatchSize,
		BatchDelay:        cfg.BatchDelay,
		DocumentSettle:    cfg.DocumentSettle,
		DocumentAttempts:  cfg.DocumentAttempts,
		DocumentRetryWait: cfg.DocumentRetryWait,
		SendQPS:           cfg.SendQPS,
		SendBurst:         cfg.SendBurst,
	}, log)

	// ---- HTTP server ----
	srv := &httpapi.Server{
		DB:       database,
		Auth:     authSvc,
		Sessions: mgr,
		Engine:   engine,
		Ledger:   ledger,
		Messages: msgStore,
		Media:    media.NewMemStore(), // swap a real blob backend in here
		Log:      log,
	}
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	_ = server.Shutdown(shutdownCtx)
	mgr.CloseAll(shutdownCtx)
	wpool.Shutdown()
	cancel()
}
