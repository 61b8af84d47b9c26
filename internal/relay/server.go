// Package relay provides a development remote authority.
//
// The relay serves the gateway websocket and the HTTP API from one
// in-memory board store. Card events received from one client are applied
// to the store and rebroadcast to the other clients joined to the same
// board.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardwall/cardsync/internal/api"
	"github.com/cardwall/cardsync/internal/gateway"
	"github.com/cardwall/cardsync/internal/schema"
)

// client is one gateway connection and the board it joined.
type client struct {
	conn  *websocket.Conn
	board string
}

// envelope is a frame to fan out to a board's clients, except its sender.
type envelope struct {
	from  *websocket.Conn
	board string
	data  []byte
}

// Server is the relay.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	token string
	user  schema.User
	store *Store

	clients   map[*websocket.Conn]*client
	clientsMu sync.RWMutex

	broadcast chan envelope
	metrics   *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds relay configuration.
type Config struct {
	// Port to listen on; 0 picks a free port (default: 8080)
	Port int

	// Token required as bearer on HTTP requests; empty accepts any
	Token string

	// User served by /user/me
	User schema.User

	// Store to serve; a new empty store when nil
	Store *Store

	// Logger for relay activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		User:   schema.User{ID: "dev", Email: "dev@localhost"},
		Logger: log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// NewServer creates a relay.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Store == nil {
		config.Store = NewStore()
	}
	if config.User.ID == "" {
		config.User = DefaultConfig().User
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		token:     config.Token,
		user:      config.User,
		store:     config.Store,
		clients:   make(map[*websocket.Conn]*client),
		broadcast: make(chan envelope, 100),
		metrics:   newMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Store returns the relay's board store.
func (s *Server) Store() *Store {
	return s.store
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /user/me", s.authorized(s.handleMe))
	mux.HandleFunc("GET /user/me/boards", s.authorized(s.handleBoards))
	mux.HandleFunc("GET /board/{id}", s.authorized(s.handleBoard))
	mux.HandleFunc("POST /board/{id}/mutations", s.authorized(s.handleMutations))
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the relay.
func (s *Server) Stop() error {
	s.logger.Println("Stopping relay")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.metrics.clients.Set(0)
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Relay stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected gateway clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Joined returns the number of clients joined to board.
func (s *Server) Joined(board string) int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	n := 0
	for _, c := range s.clients {
		if c.board == board {
			n++
		}
	}
	return n
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case env := <-s.broadcast:
			s.clientsMu.RLock()
			targets := make([]*websocket.Conn, 0, len(s.clients))
			for conn, c := range s.clients {
				if conn != env.from && c.board == env.board {
					targets = append(targets, conn)
				}
			}
			s.clientsMu.RUnlock()

			for _, conn := range targets {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, env.data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = &client{conn: conn}
	count := len(s.clients)
	s.metrics.clients.Set(float64(count))
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", count)

	s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		msg, err := gateway.Parse(data)
		if err != nil {
			continue
		}
		s.metrics.messages.WithLabelValues(string(msg.Type)).Inc()

		switch msg.Type {
		case gateway.TypePing:
			s.reply(conn, gateway.Pong())

		case gateway.TypeJoinBoard:
			s.setBoard(conn, msg.Board)

		case gateway.TypeLeaveBoard:
			s.setBoard(conn, "")

		case gateway.TypeCreateCard, gateway.TypeUpdateCards, gateway.TypeDeleteCard:
			if !s.store.ApplyMessage(msg) {
				continue
			}
			select {
			case s.broadcast <- envelope{from: conn, board: msg.Board, data: data}:
			case <-s.ctx.Done():
				return
			default:
				s.logger.Println("Warning: broadcast channel full, dropping message")
			}
		}
	}
}

func (s *Server) reply(conn *websocket.Conn, msg gateway.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) setBoard(conn *websocket.Conn, board string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if c, ok := s.clients[conn]; ok {
		c.board = board
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.metrics.clients.Set(float64(count))
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", count)
	} else {
		s.clientsMu.Unlock()
	}
}

// authorized rejects requests without the configured bearer token.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got != s.token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
		"boards":  len(s.store.Boards()),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.NewUserDTO(s.user))
}

func (s *Server) handleBoards(w http.ResponseWriter, r *http.Request) {
	boards := s.store.Boards()
	out := make([]api.BoardDTO, 0, len(boards))
	for _, b := range boards {
		out = append(out, api.NewBoardDTO(b, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	b, ok := s.store.Board(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, api.NewBoardDTO(b, true))
}

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	var req api.MutationsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	applied, ok := s.store.ApplyEntries(r.PathValue("id"), req.Mutations)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.metrics.mutations.Add(float64(applied))
	writeJSON(w, http.StatusOK, api.MutationsResponse{Applied: applied})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
