package dashboard

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/reconcile"
	"github.com/mezgeb/mezgeb/internal/schema"
)

// CountSource reports record counts. Satisfied by *cache.Store.
type CountSource interface {
	Counts(ctx context.Context) (map[schema.Resource]cache.StatusCounts, error)
}

// Handler turns sync events into dashboard messages.
type Handler struct {
	server *Server
	counts CountSource
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler publishing through server.
func NewHandler(server *Server, counts CountSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	return &Handler{
		server: server,
		counts: counts,
		logger: logger,
		stats: StatsData{
			Records: make(map[schema.Resource]cache.StatusCounts),
		},
	}
}

// OnSyncComplete handles the end of a reconciliation pass.
func (h *Handler) OnSyncComplete(s reconcile.Summary) {
	h.mu.Lock()
	finished := s.StartedAt.Add(s.Duration)
	h.stats.LastSync = &finished
	h.mu.Unlock()

	h.server.Publish(SyncCompleteData{
		Attempted:    s.Attempted,
		Synced:       s.Synced,
		Failed:       s.Failed,
		Deferred:     s.Deferred,
		Remaining:    s.Remaining,
		Unauthorized: s.Unauthorized,
		LeaseLost:    s.LeaseLost,
		Duration:     s.Duration,
	})
	h.RefreshStats(context.Background())
}

// OnRecordPending handles a write queued while offline.
func (h *Handler) OnRecordPending(rec schema.Record) {
	h.logger.Printf("Queued %s %s", rec.Resource, rec.ID)

	h.server.Publish(RecordPendingData{
		Resource: rec.Resource,
		ID:       rec.ID,
		Scope:    rec.Scope().String(),
	})
	h.RefreshStats(context.Background())
}

// OnConnectivity handles a change in server reachability.
func (h *Handler) OnConnectivity(online bool) {
	h.mu.Lock()
	h.stats.Online = &online
	h.mu.Unlock()

	h.server.Publish(ConnectivityData{Online: online})
	h.server.Publish(h.GetStats())
}

// RefreshStats recounts records and publishes the result.
func (h *Handler) RefreshStats(ctx context.Context) {
	if h.counts != nil {
		counts, err := h.counts.Counts(ctx)
		if err != nil {
			h.logger.Printf("Failed to count records: %v", err)
		} else {
			pending := 0
			for _, c := range counts {
				pending += c.Pending
			}
			h.mu.Lock()
			h.stats.Records = counts
			h.stats.Pending = pending
			h.mu.Unlock()
		}
	}
	h.server.Publish(h.GetStats())
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
