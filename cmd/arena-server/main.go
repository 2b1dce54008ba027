package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/park285/uttt-arena/internal/config"
	"github.com/park285/uttt-arena/internal/gametype"
	"github.com/park285/uttt-arena/internal/gateway"
	"github.com/park285/uttt-arena/internal/history"
	"github.com/park285/uttt-arena/internal/identity"
	"github.com/park285/uttt-arena/internal/matchmaking"
	"github.com/park285/uttt-arena/internal/obslog"
	"github.com/park285/uttt-arena/internal/presence"
	"github.com/park285/uttt-arena/internal/session"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		obslog.L().Fatal("redis url error", zap.Error(err))
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		obslog.L().Fatal("redis connect error", zap.Error(err))
	}
	cancel()

	types, err := gametype.New(cfg.GameTypeDir)
	if err != nil {
		obslog.L().Fatal("game type catalog error", zap.Error(err))
	}

	router := presence.NewRouter(rdb, 5*time.Second, cfg.AckRetryMax)
	store := session.NewStore(rdb)
	manager := session.NewManager(store, router)

	var repo *history.Repository
	if cfg.DatabaseURL != "" {
		repo, err = history.NewRepository(cfg.DatabaseURL)
		if err != nil {
			obslog.L().Fatal("history repository error", zap.Error(err))
		}
		manager.AttachArchiver(repo)
	} else {
		obslog.L().Warn("DATABASE_URL not set, finished games will not be archived")
	}

	queue := matchmaking.New(rdb, types, cfg.SearchScanInterval)
	verifier := identity.NewClient(cfg.IdentityBaseURL)
	ws := gateway.NewServer(verifier, router, manager, queue, types, cfg.AllowedOrigins)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.L().Fatal("server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	obslog.L().Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	manager.Close()
	router.Close()
	if repo != nil {
		_ = repo.Close()
	}
	_ = rdb.Close()
}
