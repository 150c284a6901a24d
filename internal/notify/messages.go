package notify

import (
	"encoding/json"
	"time"

	"rimborso/internal/core"
)

// Event names carried in EventMessage.Event.
const (
	EventReportStateChanged = "report.state_changed"
	EventSyncApplied        = "sync.applied"
)

// EventMessage is the envelope pushed to clients. It is deliberately small:
// clients fetch current state through the API rather than trusting pushed
// snapshots.
type EventMessage struct {
	Event      string          `json:"event"`
	ReportKey  *core.ReportKey `json:"reportKey,omitempty"`
	FromStatus string          `json:"fromStatus,omitempty"`
	ToStatus   string          `json:"toStatus,omitempty"`
	ActorID    string          `json:"actorId,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	OpType     string          `json:"opType,omitempty"`
	NaturalKey string          `json:"naturalKey,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewReportEventMessage(key core.ReportKey, from, to core.ReportStatus, actorID string) *EventMessage {
	return &EventMessage{
		Event:      EventReportStateChanged,
		ReportKey:  &key,
		FromStatus: string(from),
		ToStatus:   string(to),
		ActorID:    actorID,
		Timestamp:  time.Now(),
	}
}

func NewSyncEventMessage(kind, opType, naturalKey string) *EventMessage {
	return &EventMessage{
		Event:      EventSyncApplied,
		Kind:       kind,
		OpType:     opType,
		NaturalKey: naturalKey,
		Timestamp:  time.Now(),
	}
}

// ToJSON converts the message to JSON bytes.
func (m *EventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// EventMessageFromJSON decodes a pushed event.
func EventMessageFromJSON(data []byte) (*EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
