package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/annel0/sector-sync/internal/eventbus"
)

const (
	defaultNATSURL = "nats://localhost:4222"
	timeFormat     = "15:04:05.000"
)

func main() {
	var (
		natsURL    = flag.String("nats", defaultNATSURL, "NATS server URL")
		stream     = flag.String("stream", "ROSTER", "JetStream stream name")
		command    = flag.String("cmd", "tail", "Command: tail, stats, types")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		sources    = flag.String("sources", "", "Source filter (comma-separated)")
		window     = flag.Duration("window", 30*time.Second, "Collection window for stats")
		limit      = flag.Int("limit", 100, "Maximum number of events")
		follow     = flag.Bool("follow", false, "Follow new events without limit (like tail -f)")
	)
	flag.Parse()

	if *command == "types" {
		showTypes()
		return
	}

	bus, err := eventbus.NewJetStreamBus(*natsURL, *stream, time.Hour)
	if err != nil {
		log.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer bus.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	filter := eventbus.Filter{
		Types:   parseStringList(*eventTypes),
		Sources: parseStringList(*sources),
	}

	switch *command {
	case "tail":
		if err := tailEvents(ctx, bus, filter, *limit, *follow); err != nil {
			log.Fatalf("❌ Tail failed: %v", err)
		}

	case "stats":
		if err := showStats(ctx, bus, filter, *window); err != nil {
			log.Fatalf("❌ Stats failed: %v", err)
		}

	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats, types")
		os.Exit(1)
	}
}

// tailEvents выводит уведомления ростера по мере поступления
func tailEvents(ctx context.Context, bus eventbus.EventBus, f eventbus.Filter, limit int, follow bool) error {
	fmt.Printf("🎬 Tailing roster events (limit: %d, follow: %v)\n", limit, follow)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		count int
	)
	sub, err := bus.Subscribe(ctx, f, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if !follow && count >= limit {
			return
		}
		printEvent(ev)
		count++
		if !follow && count >= limit {
			cancel()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\n📊 Total events: %d\n", count)
	return nil
}

// showStats собирает уведомления в течение window и выводит количество по типам
func showStats(ctx context.Context, bus eventbus.EventBus, f eventbus.Filter, window time.Duration) error {
	fmt.Printf("📊 Collecting roster events for %s...\n", window)

	var (
		mu      sync.Mutex
		byType  = make(map[string]int)
		byZone  = make(map[string]int)
		started = time.Now()
	)
	sub, err := bus.Subscribe(ctx, f, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		byType[ev.EventType]++
		if re, err := eventbus.DecodeRosterEvent(ev); err == nil && re.Zone != "" {
			byZone[re.Zone]++
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	select {
	case <-ctx.Done():
	case <-time.After(window):
	}

	mu.Lock()
	defer mu.Unlock()

	total := 0
	for _, n := range byType {
		total += n
	}
	fmt.Printf("Period: %s - %s\n", started.Format(timeFormat), time.Now().Format(timeFormat))
	fmt.Printf("Total events: %d\n", total)
	fmt.Println("\nBy event type:")
	printCounts(byType)
	fmt.Println("\nBy sector:")
	printCounts(byZone)
	return nil
}

// showTypes выводит известные типы уведомлений ростера
func showTypes() {
	fmt.Println("📋 Roster event types")
	for _, t := range eventbus.RosterTypes {
		fmt.Printf("  %s  (subject %s)\n", t, eventbus.Subject(t))
	}
}

func printCounts(counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %d events\n", k, counts[k])
	}
}

// printEvent выводит событие в читаемом формате
func printEvent(ev *eventbus.Envelope) {
	fmt.Printf("[%s] %s [%s] %s\n",
		ev.Timestamp.Local().Format(timeFormat),
		ev.Source,
		ev.EventType,
		ev.ID)

	re, err := eventbus.DecodeRosterEvent(ev)
	if err != nil {
		fmt.Printf("  ⚠️ %v\n", err)
		return
	}
	if re.ParticipantID != "" {
		fmt.Printf("  Sector: %s Match: %s Player: %s Remote: %v\n", re.Zone, re.MatchID, re.ParticipantID, re.Remote)
	} else {
		fmt.Printf("  Sector: %s Match: %s\n", re.Zone, re.MatchID)
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
