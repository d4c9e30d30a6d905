package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid matches every Validate failure.
var ErrInvalid = errors.New("invalid record")

type validationError struct{ msg string }

func (e *validationError) Error() string        { return e.msg }
func (e *validationError) Is(target error) bool { return target == ErrInvalid }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// Resource names a cached collection.
type Resource string

const (
	ResourceExpenses   Resource = "expenses"
	ResourceCategories Resource = "categories"
	ResourceGroups     Resource = "groups"
)

// IsValid reports whether r is a known collection.
func (r Resource) IsValid() bool {
	switch r {
	case ResourceExpenses, ResourceCategories, ResourceGroups:
		return true
	}
	return false
}

// Status is the sync state of a cached record.
type Status string

const (
	// StatusSynced means the server has accepted the record.
	StatusSynced Status = "synced"
	// StatusPending means the record only exists locally.
	StatusPending Status = "pending"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return s == StatusSynced || s == StatusPending
}

// PendingPrefix marks ids that were generated locally.
const PendingPrefix = "pending_"

// NewPendingID returns a fresh synthetic id for an offline create.
func NewPendingID(now time.Time) string {
	return fmt.Sprintf("%s%d_%s", PendingPrefix, now.UnixMilli(), uuid.NewString())
}

// IsPendingID reports whether id was generated locally.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingPrefix)
}

// Record is a cached document.
type Record struct {
	// ===== Identification =====
	ID       string   `json:"id"`
	Resource Resource `json:"resource"`

	// ===== Sync State =====
	Status Status `json:"status"`
	Seq    int64  `json:"seq"` // creation order, assigned by the cache

	// ===== Scope =====
	GroupID string `json:"group_id,omitempty"` // derived from payload; "" = personal

	// ===== Content =====
	Payload json.RawMessage `json:"payload"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord builds a record from a payload, deriving id and scope from it.
func NewRecord(resource Resource, payload json.RawMessage, status Status) (Record, error) {
	if !resource.IsValid() {
		return Record{}, fmt.Errorf("unknown resource %q", resource)
	}
	if !status.IsValid() {
		return Record{}, fmt.Errorf("unknown status %q", status)
	}
	fields, err := payloadFields(payload)
	if err != nil {
		return Record{}, err
	}

	var id Ref
	if raw, ok := fields["_id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return Record{}, fmt.Errorf("invalid _id: %w", err)
		}
	}
	if id == "" {
		return Record{}, fmt.Errorf("payload has no _id")
	}

	return Record{
		ID:       string(id),
		Resource: resource,
		Status:   status,
		GroupID:  groupIDFromFields(fields),
		Payload:  append(json.RawMessage(nil), payload...),
	}, nil
}

// Scope returns the partition the record belongs to.
func (r Record) Scope() Scope {
	return Scope{GroupID: r.GroupID}
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", r.Resource, r.ID, err)
	}
	return nil
}

// GroupIDOf returns the group a payload is tagged with, or "" for personal.
func GroupIDOf(payload json.RawMessage) (string, error) {
	fields, err := payloadFields(payload)
	if err != nil {
		return "", err
	}
	return groupIDFromFields(fields), nil
}

func groupIDFromFields(fields map[string]json.RawMessage) string {
	raw, ok := fields["groupId"]
	if !ok {
		return ""
	}
	var ref Ref
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ""
	}
	return string(ref)
}

// StripLocalFields removes the fields that only make sense in the local
// cache (the synthetic id and the status tag) before a payload is sent to the
// server.
func StripLocalFields(payload json.RawMessage) (json.RawMessage, error) {
	fields, err := payloadFields(payload)
	if err != nil {
		return nil, err
	}
	delete(fields, "_id")
	delete(fields, "status")
	return json.Marshal(fields)
}

// WithField returns payload with key set to value.
func WithField(payload json.RawMessage, key string, value any) (json.RawMessage, error) {
	fields, err := payloadFields(payload)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	fields[key] = raw
	return json.Marshal(fields)
}

// MergePayload overlays the top-level fields of patch onto base. Fields not
// mentioned in patch are kept byte-for-byte.
func MergePayload(base, patch json.RawMessage) (json.RawMessage, error) {
	fields, err := payloadFields(base)
	if err != nil {
		return nil, err
	}
	overlay, err := payloadFields(patch)
	if err != nil {
		return nil, err
	}
	for k, v := range overlay {
		fields[k] = v
	}
	return json.Marshal(fields)
}

func payloadFields(payload json.RawMessage) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	return fields, nil
}

// Ref is a reference to another document. The server sends references either
// as a bare id or, when populated, as an object carrying "_id".
type Ref string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Ref) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null" || trimmed == "":
		*r = ""
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var obj struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("invalid reference object: %w", err)
		}
		*r = Ref(obj.ID)
		return nil
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid reference: %w", err)
		}
		*r = Ref(s)
		return nil
	}
}

// String returns the referenced id.
func (r Ref) String() string {
	return string(r)
}
