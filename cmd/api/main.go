package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"fertyflow.org/internal/audit"
	"fertyflow.org/internal/auth"
	"fertyflow.org/internal/config"
	"fertyflow.org/internal/httpapi"
	"fertyflow.org/internal/obs"
	"fertyflow.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	obs.SetService("fertyflow-api", version)
	if err := obs.SetLevel(cfg.Logging.Level); err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.OpenPool(ctx, pg.PoolConfigFrom(cfg.Database))
	if err != nil {
		return err
	}
	defer pool.Close()
	prometheus.MustRegister(pg.NewPoolCollector(pool))

	db := pg.NewDB(pool)
	defer db.Close()
	store := pg.NewCredentialStore(db)

	tokens, err := auth.NewTokenService(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret,
		auth.WithAccessTTL(cfg.Auth.AccessTTL.D()),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL.D()),
	)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store, tokens, auth.WithHasher(hasher))
	if err != nil {
		return err
	}

	var pub audit.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := audit.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, 1024)
		if err != nil {
			return err
		}
		pub = kp
		log.Info("auth event stream enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	recorder := audit.NewRecorder(pub)
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Warn("audit publisher close", "error", err)
		}
	}()

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	probe := httpapi.ReadyProbe{Store: store, Timeout: cfg.Database.ConnectTimeout.D()}
	api, err := httpapi.New(svc, recorder, probe, httpapi.Options{
		Environment: cfg.Env,
		Version:     version,
		FrontendURL: cfg.HTTP.FrontendURL,
		BodyLimit:   cfg.HTTP.BodyLimitBytes,
		RateWindow:  cfg.RateLimit.Window.D(),
		RateMax:     cfg.RateLimit.Max,

		TrustedProxies: proxies,
	})
	if err != nil {
		return err
	}
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(probe, 10*time.Second)
	go health.Run(ctx)

	var grpcSrv *grpc.Server
	if addr := cfg.GRPCAddress(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryLogging))
		health.Register(grpcSrv)
		go func() {
			log.Info("grpc listening", "addr", addr)
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("grpc serve", "error", err)
				stop()
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", srv.Addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info("shutting down")
	health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info("stopped")
	return nil
}
