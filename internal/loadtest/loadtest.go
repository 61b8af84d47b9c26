// Package loadtest measures the synchronization core under concurrent load.
//
// Two workloads are provided: a gateway fan-out, where one client creates
// cards on a board and every other joined client must observe each of
// them, and a queue write load, where many writers enqueue mutations into
// one store concurrently and per-board FIFO order must survive.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cardwall/cardsync/internal/gateway"
	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/store"
)

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Total     int
	Errors    int
	Durations []time.Duration
}

// FanoutConfig configures a gateway fan-out run.
type FanoutConfig struct {
	// GatewayURL is the websocket endpoint (required)
	GatewayURL string

	// Token is sent as bearer on the websocket upgrade
	Token string

	// Board all clients join; the authority must already know it (required)
	Board string

	// Listeners is the number of receiving clients (default: 10)
	Listeners int

	// Cards created by the sender (default: 20)
	Cards int

	// Joined reports how many clients the authority has on a board. When nil
	// the run waits Settle after every client is connected.
	Joined func(board string) int

	// Settle is the pause before sending when Joined is nil (default: 500ms)
	Settle time.Duration

	// Timeout bounds the whole run (default: 30s)
	Timeout time.Duration

	// Logger for client activity (default: discard)
	Logger *log.Logger
}

// DefaultFanoutConfig returns sensible defaults.
func DefaultFanoutConfig() *FanoutConfig {
	return &FanoutConfig{
		Listeners: 10,
		Cards:     20,
		Settle:    500 * time.Millisecond,
		Timeout:   30 * time.Second,
		Logger:    log.New(io.Discard, "", 0),
	}
}

// RunFanout connects Listeners+1 gateway clients to one board, has the
// first create Cards cards, and records the delivery latency of every card
// at every listener. Cards not delivered before the timeout count as
// errors.
func RunFanout(ctx context.Context, config *FanoutConfig) (*LatencyStats, error) {
	def := DefaultFanoutConfig()
	if config == nil || config.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if config.Board == "" {
		return nil, fmt.Errorf("board is required")
	}
	if config.Listeners <= 0 {
		config.Listeners = def.Listeners
	}
	if config.Cards <= 0 {
		config.Cards = def.Cards
	}
	if config.Settle <= 0 {
		config.Settle = def.Settle
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		sentAt    = make(map[string]time.Time, config.Cards)
		durations = make([]time.Duration, 0, config.Cards*config.Listeners)
	)
	expected := config.Cards * config.Listeners
	done := make(chan struct{})
	connected := make(chan struct{}, config.Listeners+1)

	newClient := func() *gateway.Client {
		c := gateway.New(&gateway.Config{
			URL:            config.GatewayURL,
			Token:          func() string { return config.Token },
			ReconnectDelay: 50 * time.Millisecond,
			Logger:         config.Logger,
		})
		c.OnConnectionChange(func(ok bool) {
			if !ok {
				return
			}
			c.Send(gateway.JoinBoard(config.Board), gateway.WithoutBuffer())
			select {
			case connected <- struct{}{}:
			default:
			}
		})
		return c
	}

	clients := make([]*gateway.Client, 0, config.Listeners+1)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	for i := 0; i < config.Listeners; i++ {
		c := newClient()
		c.Subscribe(func(msg gateway.Message) {
			card, ok := msg.CreatedCard()
			if !ok || msg.Board != config.Board {
				return
			}
			now := time.Now()

			mu.Lock()
			defer mu.Unlock()
			start, ok := sentAt[card.ID]
			if !ok {
				return
			}
			durations = append(durations, now.Sub(start))
			if len(durations) == expected {
				close(done)
			}
		})
		clients = append(clients, c)
		c.Open()
	}

	sender := newClient()
	clients = append(clients, sender)
	sender.Open()

	for i := 0; i < config.Listeners+1; i++ {
		select {
		case <-connected:
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect %d clients: %w", config.Listeners+1, ctx.Err())
		}
	}
	if err := waitJoined(ctx, config); err != nil {
		return nil, err
	}

	base := time.Now().UnixMilli()
	for i := 0; i < config.Cards; i++ {
		card := schema.Card{
			ID:       schema.NewID(),
			Type:     schema.CardText,
			Pos:      schema.Pos{X: float64(i * 10), Y: 0},
			Content:  schema.TextContent(fmt.Sprintf("load %d", i)),
			Created:  base + int64(i),
			Modified: base + int64(i),
		}

		mu.Lock()
		sentAt[card.ID] = time.Now()
		mu.Unlock()

		if !sender.Send(gateway.CreateCard(config.Board, card)) {
			config.Logger.Printf("Card %s buffered, sender disconnected", card.ID)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	got := append([]time.Duration(nil), durations...)
	mu.Unlock()

	if len(got) == 0 {
		return nil, fmt.Errorf("no cards delivered to %d listeners", config.Listeners)
	}
	stats := computeLatencyStats(got)
	stats.Errors = expected - len(got)
	return stats, nil
}

func waitJoined(ctx context.Context, config *FanoutConfig) error {
	if config.Joined == nil {
		select {
		case <-time.After(config.Settle):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for config.Joined(config.Board) < config.Listeners+1 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("failed to join %d clients: %w", config.Listeners+1, ctx.Err())
		}
	}
	return nil
}

// RunQueueLoad has writers goroutines each enqueue perWriter mutations for
// their own board into a fresh store under dir, timing every Enqueue. It
// then verifies the entry count and that each board's entries come back in
// the order they were enqueued.
func RunQueueLoad(ctx context.Context, dir string, writers, perWriter int) (*LatencyStats, error) {
	if writers <= 0 || perWriter <= 0 {
		return nil, fmt.Errorf("writers and perWriter must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := store.Open(filepath.Join(dir, "loadtest.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger := log.New(io.Discard, "", 0)
	q := queue.New(db, &queue.Config{Logger: logger})

	var wg sync.WaitGroup
	results := make(chan []time.Duration, writers)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()

			board := fmt.Sprintf("board-%03d", writer)
			durations := make([]time.Duration, 0, perWriter)
			for i := 0; i < perWriter; i++ {
				card := schema.Card{
					ID:       fmt.Sprintf("%s-card-%05d", board, i),
					Type:     schema.CardText,
					Content:  schema.TextContent("load"),
					Created:  int64(i + 1),
					Modified: int64(i + 1),
				}
				start := time.Now()
				q.Enqueue(queue.NewCreate(board, card))
				durations = append(durations, time.Since(start))
			}
			results <- durations
		}(w)
	}

	wg.Wait()
	close(results)

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}

	stats := computeLatencyStats(all)

	n, err := q.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	stats.Errors = writers*perWriter - n

	for w := 0; w < writers; w++ {
		board := fmt.Sprintf("board-%03d", w)
		entries, err := q.Pending(ctx, board, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", board, err)
		}
		for i, e := range entries {
			if want := fmt.Sprintf("%s-card-%05d", board, i); e.Card.ID != want {
				return stats, fmt.Errorf("%s entry %d is %s, want %s", board, i, e.Card.ID, want)
			}
		}
	}

	return stats, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Total:     len(durations),
		Durations: sorted,
	}
}

// PrintStats writes the statistics in a human-readable block.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total:         %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
