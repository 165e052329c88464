package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/config"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/metrics"
	"github.com/annel0/sector-sync/internal/observability"
	"github.com/annel0/sector-sync/internal/relay"
	"github.com/annel0/sector-sync/internal/relay/admin"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	logging.Configure(logging.Options{
		Dir:          cfg.Logging.Dir,
		ConsoleLevel: logging.ParseLevel(cfg.Logging.ConsoleLevel),
		FileLevel:    logging.ParseLevel(cfg.Logging.FileLevel),
	})
	if err := logging.InitDefaultLogger("relay"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	if err := run(cfg); err != nil {
		logging.Error("❌ %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("👋 Ретранслятор остановлен")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdown, err := observability.InitTelemetry(ctx, observability.Options{
			ServiceName: "sector-relay",
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    true,
		})
		if err != nil {
			logging.Warn("⚠️ OpenTelemetry недоступен: %v", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	secret := cfg.Relay.GetJWTSecret()
	if secret == "" {
		generated, err := auth.GenerateSecureSecret()
		if err != nil {
			return fmt.Errorf("генерация секрета: %w", err)
		}
		secret = generated
		logging.Warn("⚠️ SYNC_JWT_SECRET не задан, используется случайный секрет: токены не переживут перезапуск")
	}
	issuer, err := auth.NewTokenIssuer(secret)
	if err != nil {
		return fmt.Errorf("секрет токенов: %w", err)
	}

	var (
		directory relay.Directory   = relay.NewMemoryDirectory()
		store     relay.ObjectStore = relay.NewMemoryStore()
	)
	if cfg.Relay.Directory == "redis" {
		client, err := relay.NewRedisClient(ctx, relay.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("подключение к Redis: %w", err)
		}
		defer client.Close()
		directory = relay.NewRedisDirectory(client)
		store = relay.NewRedisStore(client)
		logging.Info("🗄️ Каталог матчей и хранилище в Redis %s", cfg.Redis.Addr)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server, err := relay.NewServer(relay.ServerOptions{
		Addr:      fmt.Sprintf(":%d", cfg.Relay.GetKCPPort()),
		Verifier:  issuer,
		Directory: directory,
		Metrics:   metrics.NewRelay(registry),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("запуск KCP сервера: %w", err)
	}
	defer server.Stop()

	api, err := admin.New(admin.Config{
		Addr:      fmt.Sprintf(":%d", cfg.Relay.GetHTTPPort()),
		ServerKey: cfg.Backend.GetServerKey(),
		Issuer:    issuer,
		TokenTTL:  cfg.Relay.TokenTTL(),
		Directory: directory,
		Store:     store,
		Relay:     server,
		Registry:  registry,
	})
	if err != nil {
		return err
	}
	if err := api.Start(); err != nil {
		return fmt.Errorf("запуск HTTP API: %w", err)
	}

	logging.Info("✅ Ретранслятор запущен")
	logging.Info("   🛰️ Realtime: KCP %s", server.Addr())
	logging.Info("   🌐 REST API: http://localhost:%d", cfg.Relay.GetHTTPPort())
	logging.Info("   ❤️  Health check: http://localhost:%d/health", cfg.Relay.GetHTTPPort())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("📡 Получен сигнал %v, завершение работы...", sig)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки HTTP API: %v", err)
	}
	return nil
}
