package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire unit every agent consumes and produces. payload is
// topic-specific and left as a raw map so it can be marshalled through the
// canonical JSON encoder regardless of which topic it carries.
type Envelope struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	EventVersion int            `json:"event_version"`
	TraceID      string         `json:"trace_id"`
	CausationID  *string        `json:"causation_id"`
	SessionID    string         `json:"session_id"`
	DeviceID     string         `json:"device_id"`
	CreatedAt    time.Time      `json:"created_at"`
	Payload      map[string]any `json:"payload"`
}

// BuildOpts carries the optional causation fields for Build. Zero value
// means "this is a root stimulus": a fresh trace_id is minted and
// causation_id stays nil.
type BuildOpts struct {
	TraceID     string
	CausationID string
}

// Build constructs a new envelope for eventType, copying trace_id from the
// cause (or minting one) and setting causation_id to the cause's event_id.
// Every downstream event in the pipeline is produced this way.
func Build(eventType, sessionID, deviceID string, payload map[string]any, opts BuildOpts) Envelope {
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	var causationID *string
	if opts.CausationID != "" {
		c := opts.CausationID
		causationID = &c
	}
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: 1,
		TraceID:      traceID,
		CausationID:  causationID,
		SessionID:    sessionID,
		DeviceID:     deviceID,
		CreatedAt:    time.Now().UTC(),
		Payload:      payload,
	}
}

// CausedBy is sugar for Build(..., BuildOpts{TraceID: cause.TraceID, CausationID: cause.EventID}),
// the shape every agent handler uses when emitting its downstream event.
func CausedBy(cause Envelope, eventType string, payload map[string]any) Envelope {
	return Build(eventType, cause.SessionID, cause.DeviceID, payload, BuildOpts{
		TraceID:     cause.TraceID,
		CausationID: cause.EventID,
	})
}
