// Package app is the single owning root of the synchronization core.
//
// It constructs the services in dependency order (store, cache,
// application state, HTTP client, gateway, drainer), holds them for the
// process lifetime and tears them down in reverse. Board sessions are
// opened through it so they share the same services.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cardwall/cardsync/internal/api"
	"github.com/cardwall/cardsync/internal/appstate"
	"github.com/cardwall/cardsync/internal/cache"
	"github.com/cardwall/cardsync/internal/drain"
	"github.com/cardwall/cardsync/internal/gateway"
	"github.com/cardwall/cardsync/internal/queue"
	"github.com/cardwall/cardsync/internal/schema"
	"github.com/cardwall/cardsync/internal/session"
	"github.com/cardwall/cardsync/internal/store"
)

// DatabaseFile is the name of the store inside the data directory.
const DatabaseFile = "cardsync.db"

// Config holds application configuration.
type Config struct {
	// DataDir holds the local database
	DataDir string

	// APIURL is the base URL of the remote authority
	APIURL string

	// GatewayURL is the websocket endpoint of the remote authority
	GatewayURL string

	// ProbeInterval between connectivity probes (default: 15s)
	ProbeInterval time.Duration

	// DrainInterval between queue drain passes (default: 2s)
	DrainInterval time.Duration

	// DrainBatchSize is the maximum entries per push (default: 50)
	DrainBatchSize int

	// LoadTimeout bounds the cache readiness barrier (default: 10s)
	LoadTimeout time.Duration

	// LogOutput receives every component's log (default: stderr)
	LogOutput io.Writer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:        filepath.Join(home, ".cardsync"),
		APIURL:         "http://localhost:8080",
		GatewayURL:     "ws://localhost:8080/ws",
		ProbeInterval:  15 * time.Second,
		DrainInterval:  2 * time.Second,
		DrainBatchSize: 50,
		LoadTimeout:    10 * time.Second,
		LogOutput:      os.Stderr,
	}
}

// App holds the process-wide services.
type App struct {
	config *Config
	logger *log.Logger

	db      *store.DB
	Cache   *cache.Cache
	Queue   *queue.Queue
	State   *appstate.State
	API     *api.Client
	Gateway *gateway.Client
	Drainer *drain.Drainer

	sessMu   sync.Mutex
	sessions map[string]*openSession

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs the services. It fails if the store cannot be opened or
// the cache readiness barrier cannot be reached: nothing may run without
// durable state.
func New(ctx context.Context, config *Config) (*App, error) {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.DataDir == "" {
		config.DataDir = def.DataDir
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = def.DrainInterval
	}
	if config.DrainBatchSize <= 0 {
		config.DrainBatchSize = def.DrainBatchSize
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = def.LoadTimeout
	}
	if config.LogOutput == nil {
		config.LogOutput = def.LogOutput
	}

	a := &App{
		config:   config,
		sessions: make(map[string]*openSession),
	}
	a.logger = a.newLogger("app")

	db, err := store.Open(filepath.Join(config.DataDir, DatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.db = db

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	a.Cache = cache.New(db, &cache.Config{Logger: a.newLogger("cache")})
	a.Cache.Load(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, config.LoadTimeout)
	defer cancel()
	if err := a.Cache.Wait(waitCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache not ready: %w", err)
	}

	a.Queue = queue.New(db, &queue.Config{Logger: a.newLogger("queue")})
	a.State = appstate.New(a.Cache)

	token := func() string {
		t, _ := a.Cache.Token()
		return t
	}
	a.API = api.New(&api.Config{
		BaseURL: config.APIURL,
		Token:   token,
		Logger:  a.newLogger("api"),
	})
	a.Gateway = gateway.New(&gateway.Config{
		URL:    config.GatewayURL,
		Token:  token,
		Logger: a.newLogger("gateway"),
	})
	a.Gateway.OnConnectionChange(func(connected bool) {
		if connected {
			a.State.SetOnline(true)
		}
	})

	a.Drainer, err = drain.NewWithConfig(a.Queue, a.API, a.State, &drain.Config{
		Interval:  config.DrainInterval,
		BatchSize: config.DrainBatchSize,
		Logger:    a.newLogger("drain"),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create drainer: %w", err)
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

func (a *App) newLogger(component string) *log.Logger {
	return log.New(a.config.LogOutput, "["+component+"] ", log.LstdFlags)
}

// DataDir returns the data directory.
func (a *App) DataDir() string {
	return a.config.DataDir
}

// StorePath returns the database file path.
func (a *App) StorePath() string {
	return a.db.Path()
}

// Start runs the background services: connectivity probe, gateway and
// drainer. Calling Start more than once has no effect.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.probe()

		a.wg.Add(2)
		go a.probeLoop()
		go func() {
			defer a.wg.Done()
			if err := a.Drainer.Start(a.ctx); err != nil {
				a.logger.Printf("Drainer stopped with error: %v", err)
			}
		}()

		a.Gateway.Open()
		a.logger.Println("Started")
	})
}

func (a *App) probeLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.probe()
		}
	}
}

func (a *App) probe() {
	ctx, cancel := context.WithTimeout(a.ctx, 3*time.Second)
	defer cancel()
	a.State.SetOnline(a.API.Reachable(ctx) || a.Gateway.Connected())
}

// Login stores token, verifies it against the authority and stores the
// returned user. On failure the token and user are cleared.
func (a *App) Login(ctx context.Context, token string) (schema.User, error) {
	a.Cache.SetToken(token)

	user, err := a.API.Me(ctx)
	if err != nil {
		a.Cache.SetUser(nil)
		a.Cache.SetToken("")
		a.State.RefreshAuth()
		return schema.User{}, fmt.Errorf("login failed: %w", err)
	}

	a.Cache.SetUser(&user)
	a.State.MarkLoggedIn()
	a.logger.Printf("Logged in as %s", user.Email)
	return user, nil
}

// Logout clears the stored credentials.
func (a *App) Logout() {
	a.Cache.SetUser(nil)
	a.Cache.SetToken("")
	a.State.RefreshAuth()
}

// SyncBoards refreshes the board list from the authority. Cached cards of
// known boards are kept.
func (a *App) SyncBoards(ctx context.Context) ([]schema.Board, error) {
	list, err := a.API.Boards(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list boards: %w", err)
	}
	a.Cache.MergeBoardList(list)
	return a.Cache.Boards(), nil
}

// FetchBoard loads one board from the authority into the cache. A board the
// authority no longer has is removed locally and nil is returned without
// error; other failures are returned.
func (a *App) FetchBoard(ctx context.Context, id string) (*schema.Board, error) {
	b, err := a.API.Board(ctx, id)
	if errors.Is(err, api.ErrNotFound) {
		a.Cache.RemoveBoard(id)
		a.logger.Printf("Board %s no longer exists", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch board %s: %w", id, err)
	}

	a.Cache.PutBoard(b)
	return &b, nil
}

// openSession is a sessions map entry. done closes once Open returned;
// err is set before that.
type openSession struct {
	s    *session.Session
	done chan struct{}
	err  error
}

// OpenBoard returns the session for a board, opening it if needed.
// Concurrent calls for the same board share one session; the initial fetch
// runs outside the map lock so other boards are not held up by it.
func (a *App) OpenBoard(ctx context.Context, id string) (*session.Session, error) {
	a.sessMu.Lock()
	if e, ok := a.sessions[id]; ok {
		a.sessMu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.s, nil
	}

	e := &openSession{
		s: session.New(id, session.Deps{
			Mirror:  a.Cache,
			Queue:   a.Queue,
			Gateway: a.Gateway,
			Fetcher: a.API,
			State:   a.State,
		}, &session.Config{Logger: a.newLogger("session")}),
		done: make(chan struct{}),
	}
	a.sessions[id] = e
	a.sessMu.Unlock()

	err := e.s.Open(ctx)

	a.sessMu.Lock()
	current := a.sessions[id] == e
	if err != nil && current {
		delete(a.sessions, id)
	}
	if err == nil && !current {
		// closed while opening
		err = session.ErrClosed
	}
	e.err = err
	close(e.done)
	a.sessMu.Unlock()

	if err != nil {
		e.s.Close()
		return nil, err
	}
	return e.s, nil
}

// CloseBoard closes a board's session if open.
func (a *App) CloseBoard(id string) {
	a.sessMu.Lock()
	e, ok := a.sessions[id]
	delete(a.sessions, id)
	a.sessMu.Unlock()

	if ok {
		e.s.Close()
	}
}

// CanExit reports whether the process may exit without losing local work.
func (a *App) CanExit() bool {
	return a.State.CanExit()
}

// PendingWork lists what blocks a clean exit.
func (a *App) PendingWork() []string {
	return a.State.PendingWork()
}

// Close tears the services down in reverse construction order.
func (a *App) Close() error {
	a.sessMu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*openSession)
	a.sessMu.Unlock()

	for _, e := range sessions {
		e.s.Close()
	}

	a.cancel()
	_ = a.Drainer.Stop()
	a.wg.Wait()
	a.Gateway.Close()

	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
