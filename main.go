package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/linkfed/activitypub"
	"github.com/deemkeen/linkfed/db"
	"github.com/deemkeen/linkfed/util"
	"github.com/deemkeen/linkfed/web"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	logger, err := util.NewLogger(conf.Conf.LogLevel, conf.Conf.Dev)
	if err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("Starting "+util.GetNameAndVersion(), "config", util.PrettyPrint(conf))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, sugar); err != nil {
		sugar.Fatalw("Server stopped", "error", err)
	}
	sugar.Info("Server stopped")
}

func run(ctx context.Context, conf *util.AppConfig, log *zap.SugaredLogger) error {
	shutdownTracing, err := util.InitTracing(ctx, conf.Conf.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warnw("Failed to flush traces", "error", err)
		}
	}()

	database, err := db.Open(ctx, util.ResolveFilePath(conf.Conf.DatabasePath), log)
	if err != nil {
		return err
	}
	defer database.Close()

	policy := activitypub.NewInstancePolicy(activitypub.PolicyOptions{
		LocalHost: conf.Conf.SslDomain,
		Enabled:   conf.Federation.Enabled,
		Allowed:   conf.Federation.AllowedInstances,
		Blocked:   conf.Federation.BlockedInstances,
		Source:    database,
		Cache:     policyCache(ctx, conf, log),
		TTL:       conf.PolicyCacheTTL(),
		Log:       log,
	})

	settings := activitypub.SettingsFromConfig(conf)
	client := &http.Client{
		Timeout:   settings.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	fed := activitypub.New(settings, database, policy, client, log)

	dispatcher := activitypub.NewDispatcher(fed, activitypub.DeliverySettingsFromConfig(conf))
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	if !conf.Conf.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           web.Router(web.NewHandler(fed, dispatcher, log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("Starting HTTP server", "addr", srv.Addr, "domain", settings.Hostname)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		dispatcher.Wait()
		log.Info("Delivery workers stopped")
		return nil
	})
	return g.Wait()
}

// policyCache shares the policy snapshot through Redis when configured. An
// unreachable Redis falls back to the in-process cache.
func policyCache(ctx context.Context, conf *util.AppConfig, log *zap.SugaredLogger) activitypub.PolicyCache {
	if conf.Conf.RedisAddr == "" {
		return activitypub.NewMemoryPolicyCache()
	}
	client := redis.NewClient(&redis.Options{Addr: conf.Conf.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warnw("Policy: redis unreachable, using the in-process cache", "addr", conf.Conf.RedisAddr, "error", err)
		client.Close()
		return activitypub.NewMemoryPolicyCache()
	}
	log.Infow("Policy: sharing the policy cache through redis", "addr", conf.Conf.RedisAddr)
	return activitypub.NewRedisPolicyCache(client, activitypub.DefaultPolicyCacheKey)
}
