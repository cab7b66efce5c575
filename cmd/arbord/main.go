package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arbor-db/arbor/internal/catalog"
	"github.com/arbor-db/arbor/internal/config"
	"github.com/arbor-db/arbor/internal/storage"
	"github.com/arbor-db/arbor/internal/supervisor"
	"github.com/arbor-db/arbor/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.L().Fatal("config load failed", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		zap.L().Fatal("logger init failed", zap.Error(err))
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	engine := storage.NewEngine()
	cat := catalog.New(engine)
	if err := cat.CreateSchema("public", true); err != nil {
		logger.Fatal("bootstrap schema failed", zap.Error(err))
	}
	sup := supervisor.New()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal("listen failed", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	logger.Info("arbord listening", zap.String("addr", cfg.ListenAddr))

	admin := newAdminServer(cfg.AdminAddr, cat)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", zap.Error(err))
		}
	}()

	go acceptLoop(listener, cat, sup, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	_ = listener.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(ctx); err != nil {
		logger.Error("admin shutdown error", zap.Error(err))
	}
}

func acceptLoop(listener net.Listener, cat *catalog.Catalog, sup *supervisor.Supervisor, logger *zap.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Info("listener closed", zap.Error(err))
			return
		}
		go func() {
			c := wire.NewConn(conn, cat, sup)
			if err := c.Serve(); err != nil {
				logger.Warn("connection ended", zap.Error(err))
			}
		}()
	}
}

func newLogger(level string, jsonOutput bool) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg := zap.NewProductionConfig()
	if !jsonOutput {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zapLevel
	return cfg.Build()
}

// newAdminServer exposes a tiny chi-routed status endpoint — a side
// channel for operational visibility into the catalog, independent of
// the Postgres wire protocol itself.
func newAdminServer(addr string, cat *catalog.Catalog) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/schemas/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if _, ok := cat.LookupSchema(name); !ok {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{Addr: addr, Handler: r}
}
