// Package dashboard serves a live sync-status feed over WebSocket.
//
// Clients connect to /ws and receive a JSON message for each event published
// on the feed: a finished reconciliation pass, a write queued as pending, a
// change in connectivity, or fresh record counts. A new subscriber is first
// sent the latest stats, connectivity and pass summary so it never starts
// from a blank screen. / renders the same state as a page and /health
// reports it as JSON.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Config holds server configuration
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on. 0 picks a free port.
	Port int

	// QueueSize bounds the frames buffered for one subscriber. A subscriber
	// that falls this far behind is disconnected. Default 32.
	QueueSize int

	// Origins that may open the feed (default: localhost and 127.0.0.1 on
	// any port).
	Origins []string

	// Logger for server activity (default: stderr with a [dashboard] prefix)
	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if len(c.Origins) == 0 {
		c.Origins = []string{"localhost:*", "127.0.0.1:*"}
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return c
}

type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
}

// Server fans sync events out to WebSocket subscribers.
type Server struct {
	cfg        Config
	listener   net.Listener
	httpServer *http.Server
	served     chan error
	stopOnce   sync.Once
	stopErr    error

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	latest map[MessageType][]byte
	status StatsData

	// Cancelled by Stop; ends every subscriber.
	ctx    context.Context
	cancel context.CancelFunc
	feeds  sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server. A nil config uses the defaults.
// Call Start to begin listening.
func NewServer(config *Config) *Server {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		subs:   make(map[*subscriber]struct{}),
		latest: make(map[MessageType][]byte),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger,
	}
}

// Start listens on the configured address and serves the feed, the status
// page and /health in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	routes := http.NewServeMux()
	routes.HandleFunc("GET /ws", s.handleFeed)
	routes.HandleFunc("GET /health", s.handleHealth)
	routes.HandleFunc("GET /{$}", s.handleStatus)

	s.httpServer = &http.Server{
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.served = make(chan error, 1)
	go func() { s.served <- s.httpServer.Serve(ln) }()

	s.logger.Printf("Dashboard listening on %s", ln.Addr())
	return nil
}

// Stop disconnects all subscribers and shuts the server down. Later calls
// return the first call's result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *Server) stop() error {
	s.cancel()

	s.mu.Lock()
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.queue)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(ctx)
	serveErr := <-s.served
	s.feeds.Wait()

	if shutdownErr != nil {
		return fmt.Errorf("failed to shut down dashboard: %w", shutdownErr)
	}
	if !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("dashboard stopped serving: %w", serveErr)
	}
	s.logger.Println("Dashboard stopped")
	return nil
}

// Publish sends ev to every subscriber. The latest stats, connectivity and
// sync summary are kept for clients that connect later.
func (s *Server) Publish(ev Event) {
	frame, err := encodeEvent(ev, time.Now())
	if err != nil {
		s.logger.Printf("Failed to publish: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if stats, ok := ev.(StatsData); ok {
		s.status = stats
	}
	if retained(ev.Kind()) {
		s.latest[ev.Kind()] = frame
	}
	for sub := range s.subs {
		select {
		case sub.queue <- frame:
		default:
			s.logger.Printf("Dropping subscriber that fell %d messages behind", s.cfg.QueueSize)
			delete(s.subs, sub)
			close(sub.queue)
		}
	}
}

// subscribe registers conn and queues the retained frames for it. Stats always
// come first, empty if none were published yet.
func (s *Server) subscribe(conn *websocket.Conn) (*subscriber, bool) {
	sub := &subscriber{conn: conn, queue: make(chan []byte, s.cfg.QueueSize)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, false
	}
	if _, ok := s.latest[MessageTypeStats]; !ok {
		if frame, err := encodeEvent(StatsData{}, time.Now()); err == nil {
			sub.queue <- frame
		}
	}
	for _, kind := range replayOrder {
		if frame, ok := s.latest[kind]; ok {
			sub.queue <- frame
		}
	}
	s.subs[sub] = struct{}{}
	s.feeds.Add(1)
	s.logger.Printf("Client connected (total: %d)", len(s.subs))
	return sub, true
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.queue)
	}
	total := len(s.subs)
	s.mu.Unlock()

	_ = sub.conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", total)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.Origins})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sub, ok := s.subscribe(conn)
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "dashboard stopping")
		return
	}
	defer s.feeds.Done()
	defer s.unsubscribe(sub)

	// The feed is one-way; CloseRead discards client frames and ends gone
	// when the client hangs up.
	gone := conn.CloseRead(s.ctx)

	for {
		select {
		case frame, open := <-sub.queue:
			if !open {
				if s.ctx.Err() != nil {
					_ = conn.Close(websocket.StatusGoingAway, "dashboard stopping")
				} else {
					_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
				}
				return
			}
			ctx, cancel := context.WithTimeout(gone, writeTimeout)
			err := conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to write to subscriber: %v", err)
				return
			}
		case <-gone.Done():
			return
		}
	}
}

// statusView is what / and /health render.
type statusView struct {
	Status   string     `json:"status"`
	Clients  int        `json:"clients"`
	Pending  int        `json:"pending"`
	Online   *bool      `json:"online,omitempty"`
	LastSync *time.Time `json:"last_sync,omitempty"`
	Server   string     `json:"-"`
	Feed     string     `json:"-"`
}

func (s *Server) view(r *http.Request) statusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	server := "unknown"
	if s.status.Online != nil {
		server = map[bool]string{true: "online", false: "offline"}[*s.status.Online]
	}
	return statusView{
		Status:   "ok",
		Clients:  len(s.subs),
		Pending:  s.status.Pending,
		Online:   s.status.Online,
		LastSync: s.status.LastSync,
		Server:   server,
		Feed:     "ws://" + r.Host + "/ws",
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.view(r))
}

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>Mezgeb Sync</title></head>
<body>
<h1>Mezgeb sync status</h1>
<ul>
<li>Pending writes: {{.Pending}}</li>
<li>Server: {{.Server}}</li>
<li>Last sync: {{with .LastSync}}{{.Format "2006-01-02 15:04:05"}}{{else}}never{{end}}</li>
</ul>
<p>Live feed: <code>{{.Feed}}</code></p>
</body>
</html>
`))

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, s.view(r)); err != nil {
		s.logger.Printf("Failed to render status page: %v", err)
	}
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// ClientCount returns the current number of subscribers
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
