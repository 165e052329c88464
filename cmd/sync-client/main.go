package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/annel0/sector-sync/internal/config"
	"github.com/annel0/sector-sync/internal/eventbus"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/metrics"
	"github.com/annel0/sector-sync/internal/nakama"
	"github.com/annel0/sector-sync/internal/observability"
	"github.com/annel0/sector-sync/internal/realtime"
	"github.com/annel0/sector-sync/internal/relay"
	"github.com/annel0/sector-sync/internal/roster"
	"github.com/annel0/sector-sync/internal/session"
	"github.com/annel0/sector-sync/internal/vec"
)

type flags struct {
	config   string
	device   string
	name     string
	sector   string
	radius   float64
	duration time.Duration
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "путь к YAML конфигурации")
	flag.StringVar(&f.device, "device", "", "идентификатор устройства (по умолчанию случайный)")
	flag.StringVar(&f.name, "name", "", "имя игрока")
	flag.StringVar(&f.sector, "sector", "alpha", "сектор для входа")
	flag.Float64Var(&f.radius, "radius", 10, "радиус круговой траектории корабля")
	flag.DurationVar(&f.duration, "duration", 0, "время работы (0: до сигнала)")
	flag.Parse()

	cfg, err := config.Load(f.config)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	logging.Configure(logging.Options{
		Dir:          cfg.Logging.Dir,
		ConsoleLevel: logging.ParseLevel(cfg.Logging.ConsoleLevel),
		FileLevel:    logging.ParseLevel(cfg.Logging.FileLevel),
	})
	if err := logging.InitDefaultLogger("sync-client"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	if f.device == "" {
		f.device = uuid.NewString()
	}

	if err := run(cfg, f); err != nil {
		logging.Error("❌ %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("👋 Клиент остановлен")
}

func run(cfg *config.Config, f flags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if f.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, f.duration)
		defer stop()
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := observability.InitTelemetry(ctx, observability.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    true,
		})
		if err != nil {
			logging.Warn("⚠️ OpenTelemetry недоступен: %v", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	bus, err := newBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()
	if err := eventbus.RegisterMetrics(registry, bus); err != nil {
		return fmt.Errorf("метрики шины: %w", err)
	}
	if _, err := eventbus.StartLoggingListener(bus, logging.GetBusLogger()); err != nil {
		return fmt.Errorf("подписка на шину: %w", err)
	}

	if cfg.Metrics.Enabled {
		stopMetrics := serveMetrics(registry, cfg.Metrics.GetMetricsPort())
		defer stopMetrics()
	}

	backend := nakama.NewClient(nakama.Config{
		Host:      cfg.Backend.Host,
		Port:      cfg.Backend.GetPort(),
		ServerKey: cfg.Backend.GetServerKey(),
		UseSSL:    cfg.Backend.UseSSL,
	})

	transport, err := newTransport(cfg)
	if err != nil {
		return err
	}

	conn := realtime.NewConnection(transport, nakama.NewMatchResolver(backend), realtime.Options{
		JoinTimeout: cfg.Timeouts.Join(),
		QueueSize:   cfg.Sync.EventQueueSize,
		Metrics:     m,
		Tracer:      observability.Tracer("realtime"),
	})
	r := roster.NewManager(conn, roster.Options{
		InterpolationDelay: cfg.Sync.InterpolationDelay(),
		MaxSnapshotAge:     cfg.Sync.MaxSnapshotAge(),
		CleanupInterval:    cfg.Sync.CleanupInterval(),
		StaleAge:           cfg.Sync.StaleAge(),
		Bus:                bus,
		Metrics:            m,
	})
	lc := session.New(backend, conn, r, session.Options{
		AuthTimeout:    cfg.Timeouts.Auth(),
		ConnectTimeout: cfg.Timeouts.Connect(),
		StorageTimeout: cfg.Timeouts.Storage(),
		Metrics:        m,
		Tracer:         observability.Tracer("session"),
	})
	defer lc.Shutdown()

	if err := lc.Authenticate(ctx, f.device, f.name); err != nil {
		return fmt.Errorf("аутентификация: %w", err)
	}
	if err := r.ChangeZone(ctx, f.sector); err != nil {
		return fmt.Errorf("вход в сектор %s: %w", f.sector, err)
	}

	started := time.Now()
	fly(ctx, lc, r, cfg.Sync.TickInterval(), float32(f.radius))

	playtime := int64(time.Since(started).Seconds())
	syncCtx, stop := context.WithTimeout(context.Background(), cfg.Timeouts.Storage())
	defer stop()
	if err := lc.SyncPlayerData(syncCtx, f.name, 0, playtime); err != nil {
		logging.Warn("⚠️ Не удалось сохранить данные игрока: %v", err)
	}
	return nil
}

// fly ведёт локальный корабль по окружности до отмены ctx. Тик жизненного цикла и
// переподключение после разрыва работают в отдельных горутинах.
func fly(ctx context.Context, lc *session.Lifecycle, r *roster.Manager, interval time.Duration, radius float32) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := lc.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logging.Error("❌ Тик остановлен: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := lc.Supervise(ctx, time.Second); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logging.Error("❌ Переподключение остановлено: %v", err)
		}
	}()
	defer wg.Wait()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	const angularSpeed = 0.5 // рад/с
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-report.C:
			logging.Info("🛰️ Сектор %s: игроков %d", r.GetCurrentSector(), r.PlayerCount())
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			angle := angularSpeed * t
			sin, cos := float32(math.Sin(angle)), float32(math.Cos(angle))

			pos := vec.New(radius*cos, 0, radius*sin)
			vel := vec.New(-radius*angularSpeed*sin, 0, radius*angularSpeed*cos)
			rot := vec.New(0, float32(-angle*180/math.Pi), 0)
			if err := r.SendLocalPosition(pos, rot, vel); err != nil {
				logging.Debug("Позиция не отправлена: %v", err)
			}
		}
	}
}

func newBus(cfg *config.Config) (eventbus.EventBus, error) {
	if cfg.EventBus.URL == "" {
		return eventbus.NewMemoryBus(cfg.Sync.EventQueueSize), nil
	}
	bus, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, time.Duration(cfg.EventBus.Retention)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("подключение к NATS %s: %w", cfg.EventBus.URL, err)
	}
	return bus, nil
}

func newTransport(cfg *config.Config) (realtime.Transport, error) {
	switch cfg.Backend.Transport {
	case "kcp":
		host := cfg.Backend.Host
		if host == "" {
			host = "127.0.0.1"
		}
		addr := net.JoinHostPort(host, strconv.Itoa(cfg.Backend.GetRealtimePort()))
		return relay.NewClient(addr, relay.ClientOptions{})
	default:
		return nakama.NewSocket(nakama.Config{
			Host:   cfg.Backend.Host,
			Port:   cfg.Backend.GetRealtimePort(),
			UseSSL: cfg.Backend.UseSSL,
		}), nil
	}
}

// serveMetrics поднимает /metrics и возвращает функцию остановки
func serveMetrics(reg *prometheus.Registry, port int) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("❌ Сервер метрик: %v", err)
		}
	}()
	logging.Info("📊 Метрики Prometheus: http://localhost:%d/metrics", port)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
