package dashboard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mezgeb/mezgeb/internal/cache"
	"github.com/mezgeb/mezgeb/internal/schema"
)

// MessageType names the kind of event in a feed message.
type MessageType string

const (
	MessageTypeSyncComplete  MessageType = "sync_complete"
	MessageTypeRecordPending MessageType = "record_pending"
	MessageTypeConnectivity  MessageType = "connectivity"
	MessageTypeStats         MessageType = "stats"
)

// Event is a payload published on the sync feed.
type Event interface {
	Kind() MessageType
}

// Message is the envelope every feed frame is sent in.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncCompleteData summarizes a reconciliation pass.
type SyncCompleteData struct {
	Attempted    int           `json:"attempted"`
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	Deferred     int           `json:"deferred"`
	Remaining    int           `json:"remaining"`
	Unauthorized bool          `json:"unauthorized,omitempty"`
	LeaseLost    bool          `json:"lease_lost,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// RecordPendingData describes a write queued while offline.
type RecordPendingData struct {
	Resource schema.Resource `json:"resource"`
	ID       string          `json:"id"`
	Scope    string          `json:"scope"`
}

// ConnectivityData reports whether the server is reachable.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// StatsData contains record counts
type StatsData struct {
	Records  map[schema.Resource]cache.StatusCounts `json:"records"`
	Pending  int                                    `json:"pending"`
	Online   *bool                                  `json:"online,omitempty"`
	LastSync *time.Time                             `json:"last_sync,omitempty"`
}

func (SyncCompleteData) Kind() MessageType  { return MessageTypeSyncComplete }
func (RecordPendingData) Kind() MessageType { return MessageTypeRecordPending }
func (ConnectivityData) Kind() MessageType  { return MessageTypeConnectivity }
func (StatsData) Kind() MessageType         { return MessageTypeStats }

// replayOrder lists the kinds whose latest frame a new subscriber receives
// on connect, in the order they are sent.
var replayOrder = []MessageType{
	MessageTypeStats,
	MessageTypeConnectivity,
	MessageTypeSyncComplete,
}

func retained(kind MessageType) bool {
	for _, k := range replayOrder {
		if k == kind {
			return true
		}
	}
	return false
}

func encodeEvent(ev Event, at time.Time) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}
	frame, err := json.Marshal(Message{Type: ev.Kind(), Timestamp: at, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", ev.Kind(), err)
	}
	return frame, nil
}
