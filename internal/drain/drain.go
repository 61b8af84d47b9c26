// Package drain provides the background synchronizer that sends queued
// mutations to the remote authority.
//
// The drainer:
// 1. Wakes on a fixed interval and whenever the queue signals new entries
// 2. Skips work while offline or logged out
// 3. Pushes each board's entries in FIFO batches and acks what was accepted
// 4. Retries failed batches on the next wake-up, never skipping ahead
//
// The authority deduplicates entries by seq, so a batch re-sent after a
// crash between push and ack is harmless.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cardwall/cardsync/internal/api"
	"github.com/cardwall/cardsync/internal/queue"
)

// Source is the pending mutation queue.
type Source interface {
	Boards(ctx context.Context) ([]string, error)
	Pending(ctx context.Context, board string, limit int) ([]queue.Entry, error)
	Ack(ctx context.Context, seqs ...int64) error
	Notify() <-chan struct{}
}

// Pusher delivers a batch of entries for one board.
type Pusher interface {
	PushMutations(ctx context.Context, board string, entries []queue.Entry) (int, error)
}

// Gate reports whether draining can make progress.
type Gate interface {
	Online() bool
	LoggedIn() bool
}

// Config holds configuration for the drainer.
type Config struct {
	// Interval between drain passes (default: 2s)
	Interval time.Duration

	// BatchSize is the maximum number of entries per push (default: 50)
	BatchSize int

	// Logger for drain activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:  2 * time.Second,
		BatchSize: 50,
		Logger:    log.New(os.Stderr, "[drain] ", log.LstdFlags),
	}
}

// Drainer moves queued mutations to the authority.
type Drainer struct {
	source Source
	pusher Pusher
	gate   Gate
	config *Config

	// passMu keeps drain passes from overlapping
	passMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a drainer with default configuration.
func New(source Source, pusher Pusher, gate Gate) (*Drainer, error) {
	return NewWithConfig(source, pusher, gate, DefaultConfig())
}

// NewWithConfig creates a drainer with custom configuration.
func NewWithConfig(source Source, pusher Pusher, gate Gate, config *Config) (*Drainer, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if pusher == nil {
		return nil, fmt.Errorf("pusher cannot be nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}

	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Drainer{
		source: source,
		pusher: pusher,
		gate:   gate,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start runs the drain loop. It blocks until ctx is cancelled or Stop is
// called.
func (d *Drainer) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting drainer")

	d.wg.Add(1)
	go d.loop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the drainer down and waits for an in-flight pass.
func (d *Drainer) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping drainer")
		d.cancel()
		d.wg.Wait()
		d.config.Logger.Println("Drainer stopped")
	})
	return nil
}

func (d *Drainer) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.pass()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.pass()
		case <-d.source.Notify():
			d.pass()
		}
	}
}

func (d *Drainer) pass() {
	if _, err := d.DrainOnce(d.ctx); err != nil && d.ctx.Err() == nil {
		d.config.Logger.Printf("Drain pass incomplete: %v", err)
	}
}

// DrainOnce pushes every pending entry it can and returns how many were
// acknowledged. A board whose push fails keeps its remaining entries for
// the next pass; other boards still drain. Entries for a board the
// authority no longer has are acked and dropped.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	if !d.gate.Online() || !d.gate.LoggedIn() {
		return 0, nil
	}

	d.passMu.Lock()
	defer d.passMu.Unlock()

	boards, err := d.source.Boards(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list boards: %w", err)
	}

	total := 0
	var errs []error
	for _, board := range boards {
		n, err := d.drainBoard(ctx, board)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("board %s: %w", board, err))
		}
	}

	if total > 0 {
		d.config.Logger.Printf("Drained %d entries from %d boards", total, len(boards))
	}
	return total, errors.Join(errs...)
}

func (d *Drainer) drainBoard(ctx context.Context, board string) (int, error) {
	total := 0
	for {
		entries, err := d.source.Pending(ctx, board, d.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to read entries: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		_, err = d.pusher.PushMutations(ctx, board, entries)
		switch {
		case errors.Is(err, api.ErrNotFound):
			d.config.Logger.Printf("Board %s is gone, dropping %d entries", board, len(entries))
		case err != nil:
			return total, fmt.Errorf("failed to push: %w", err)
		}

		seqs := make([]int64, len(entries))
		for i, e := range entries {
			seqs[i] = e.Seq
		}
		if err := d.source.Ack(ctx, seqs...); err != nil {
			return total, err
		}
		total += len(entries)

		if len(entries) < d.config.BatchSize {
			return total, nil
		}
	}
}
