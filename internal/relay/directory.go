package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/sector-sync/internal/logging"
)

// SectorPrefix: префикс детерминированных идентификаторов матчей секторов
const SectorPrefix = "sector."

// Ключи Redis
const (
	redisMatchesKey = "relay:matches"
	redisObjectsKey = "relay:objects"
)

var ErrEmptySector = errors.New("relay: sector name is empty")

// MatchIDForSector возвращает идентификатор матча сектора
func MatchIDForSector(sector string) string { return SectorPrefix + sector }

// SectorEntry: запись каталога
type SectorEntry struct {
	Sector  string `json:"sector"`
	MatchID string `json:"match_id"`
}

// Directory: каталог матчей секторов, общий для RPC и realtime-сервера
type Directory interface {
	// Resolve возвращает матч сектора, регистрируя его при первом обращении
	Resolve(ctx context.Context, sector string) (string, error)
	// Lookup возвращает сектор зарегистрированного матча
	Lookup(ctx context.Context, matchID string) (string, bool, error)
	// List возвращает все записи, отсортированные по сектору
	List(ctx context.Context) ([]SectorEntry, error)
}

// MemoryDirectory: каталог в памяти процесса
type MemoryDirectory struct {
	mu      sync.RWMutex
	sectors map[string]string // matchID -> sector
}

// NewMemoryDirectory создаёт пустой каталог
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{sectors: make(map[string]string)}
}

func (d *MemoryDirectory) Resolve(_ context.Context, sector string) (string, error) {
	if sector == "" {
		return "", ErrEmptySector
	}
	id := MatchIDForSector(sector)
	d.mu.Lock()
	d.sectors[id] = sector
	d.mu.Unlock()
	return id, nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, matchID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sector, ok := d.sectors[matchID]
	return sector, ok, nil
}

func (d *MemoryDirectory) List(_ context.Context) ([]SectorEntry, error) {
	d.mu.RLock()
	out := make([]SectorEntry, 0, len(d.sectors))
	for id, sector := range d.sectors {
		out = append(out, SectorEntry{Sector: sector, MatchID: id})
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sector < out[j].Sector })
	return out, nil
}

// RedisOptions: параметры подключения к Redis
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient создаёт клиента и проверяет соединение
func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// RedisDirectory хранит каталог в хеше relay:matches (sector -> matchID),
// что позволяет нескольким процессам ретранслятора видеть одни и те же сектора
type RedisDirectory struct {
	client *redis.Client
	key    string
}

// NewRedisDirectory создаёт каталог поверх клиента
func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	logging.GetRelayLogger().Info("Каталог секторов в Redis: %s", client.Options().Addr)
	return &RedisDirectory{client: client, key: redisMatchesKey}
}

func (d *RedisDirectory) Resolve(ctx context.Context, sector string) (string, error) {
	if sector == "" {
		return "", ErrEmptySector
	}
	id := MatchIDForSector(sector)
	if err := d.client.HSetNX(ctx, d.key, sector, id).Err(); err != nil {
		return "", fmt.Errorf("redis directory: %w", err)
	}
	stored, err := d.client.HGet(ctx, d.key, sector).Result()
	if err != nil {
		return "", fmt.Errorf("redis directory: %w", err)
	}
	return stored, nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, matchID string) (string, bool, error) {
	if !strings.HasPrefix(matchID, SectorPrefix) {
		return "", false, nil
	}
	sector := strings.TrimPrefix(matchID, SectorPrefix)
	stored, err := d.client.HGet(ctx, d.key, sector).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis directory: %w", err)
	}
	return sector, stored == matchID, nil
}

func (d *RedisDirectory) List(ctx context.Context) ([]SectorEntry, error) {
	all, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis directory: %w", err)
	}
	out := make([]SectorEntry, 0, len(all))
	for sector, id := range all {
		out = append(out, SectorEntry{Sector: sector, MatchID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sector < out[j].Sector })
	return out, nil
}
