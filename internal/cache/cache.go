// Package cache holds the durable local copy of the signed-in user, the auth
// token and every known board with its cards.
//
// Loading is asynchronous: Load starts one reader per key and Ready closes
// once every key has been loaded or defaulted. Nothing may read cached state
// before the barrier; the application root calls Wait during startup and
// treats a load error as fatal.
//
// After the barrier, the cache is the durable mirror: board sessions append,
// replace, patch and remove cards through it, and each mutation is written
// through to the store for that board only.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/store"
)

// Storage keys.
const (
	KeyUser   = "user"
	KeyToken  = "token"
	KeyBoards = "boards"
)

// Config holds configuration for the cache.
type Config struct {
	// WriteTimeout bounds each write-through to the store
	WriteTimeout time.Duration

	// Logger for cache activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Cache is the durable mirror of user, token and boards.
type Cache struct {
	db     *store.DB
	config *Config

	mu       sync.RWMutex
	user     *schema.User
	token    string
	boards   []schema.Board
	loadOnce sync.Once

	loadMu  sync.Mutex
	loading map[string]bool
	loadErr error
	ready   chan struct{}
}

// New creates a cache over an initialized store. Call Load to populate it.
func New(db *store.DB, config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Cache{
		db:      db,
		config:  config,
		loading: make(map[string]bool),
		ready:   make(chan struct{}),
	}
}

// Load starts loading every key in the background and returns immediately.
// Calling Load more than once has no effect.
func (c *Cache) Load(ctx context.Context) {
	c.loadOnce.Do(func() {
		keys := []string{KeyUser, KeyToken, KeyBoards}

		c.loadMu.Lock()
		for _, k := range keys {
			c.loading[k] = true
		}
		c.loadMu.Unlock()

		for _, k := range keys {
			go func(key string) {
				c.loaded(key, c.loadKey(ctx, key))
			}(k)
		}
	})
}

// Ready returns a channel that is closed once every key has been loaded.
func (c *Cache) Ready() <-chan struct{} {
	return c.ready
}

// Wait blocks until the ready barrier or ctx is done. It returns the first
// load error, if any.
func (c *Cache) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.loadErr
}

func (c *Cache) loaded(key string, err error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if err != nil && c.loadErr == nil {
		c.loadErr = fmt.Errorf("failed to load %s: %w", key, err)
	}
	delete(c.loading, key)

	if len(c.loading) == 0 {
		if c.loadErr == nil {
			c.config.Logger.Println("Loaded")
		}
		close(c.ready)
	}
}

func (c *Cache) loadKey(ctx context.Context, key string) error {
	switch key {
	case KeyBoards:
		rows, err := c.db.LoadBoards(ctx)
		if err != nil {
			return err
		}
		boards := make([]schema.Board, 0, len(rows))
		for _, r := range rows {
			var b schema.Board
			if err := json.Unmarshal(r.Data, &b); err != nil {
				c.config.Logger.Printf("Warning: skipping unreadable board %s: %v", r.ID, err)
				continue
			}
			boards = append(boards, b)
		}
		c.mu.Lock()
		c.boards = boards
		c.mu.Unlock()
		return nil

	case KeyUser:
		raw, err := c.db.GetKV(ctx, KeyUser)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var u *schema.User
		if err := json.Unmarshal(raw, &u); err != nil {
			c.config.Logger.Printf("Warning: discarding unreadable user record: %v", err)
			return nil
		}
		c.mu.Lock()
		c.user = u
		c.mu.Unlock()
		return nil

	case KeyToken:
		raw, err := c.db.GetKV(ctx, KeyToken)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var tok string
		if err := json.Unmarshal(raw, &tok); err != nil {
			c.config.Logger.Printf("Warning: discarding unreadable token: %v", err)
			return nil
		}
		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("unknown key %q", key)
}

// User returns the cached user, if any.
func (c *Cache) User() (schema.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return schema.User{}, false
	}
	return *c.user, true
}

// HasUser reports whether a user record is cached.
func (c *Cache) HasUser() bool {
	_, ok := c.User()
	return ok
}

// SetUser stores the user record. A nil user clears it.
func (c *Cache) SetUser(u *schema.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u == nil {
		c.user = nil
		c.write(func(ctx context.Context) error { return c.db.DeleteKV(ctx, KeyUser) })
		return
	}

	cp := *u
	c.user = &cp
	data, err := json.Marshal(cp)
	if err != nil {
		c.config.Logger.Printf("Failed to marshal user: %v", err)
		return
	}
	c.write(func(ctx context.Context) error { return c.db.PutKV(ctx, KeyUser, data) })
}

// Token returns the cached auth token, if any.
func (c *Cache) Token() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.token != ""
}

// HasToken reports whether an auth token is cached.
func (c *Cache) HasToken() bool {
	_, ok := c.Token()
	return ok
}

// SetToken stores the auth token. An empty token clears it.
func (c *Cache) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	if token == "" {
		c.write(func(ctx context.Context) error { return c.db.DeleteKV(ctx, KeyToken) })
		return
	}
	data, _ := json.Marshal(token)
	c.write(func(ctx context.Context) error { return c.db.PutKV(ctx, KeyToken, data) })
}

// write runs one write-through with the configured timeout. Failures are
// logged; the store was proven usable when the cache loaded.
func (c *Cache) write(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		c.config.Logger.Printf("Error writing to store: %v", err)
	}
}
