// Package transport holds the wire envelope shared by the LAN and mesh
// transports and the inbox that persists what they receive.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
)

var (
	// ErrUnknownKind is returned when an envelope carries no or an unrecognised type.
	ErrUnknownKind = errors.New("unknown envelope kind")
	// ErrNotConnected is returned by send operations of a transport that has no open link.
	ErrNotConnected = errors.New("transport not connected")
	// ErrNotRunning is returned by operations of a transport that was not started.
	ErrNotRunning = errors.New("transport not running")
)

// Kind is the envelope type.
type Kind int

const (
	KindMessage Kind = iota + 1
	KindSyncMessage
	KindSyncRequest
	KindSyncResponse
	KindEmergency
)

var kindNames = map[Kind]string{
	KindMessage:      "MESSAGE",
	KindSyncMessage:  "SYNC_MESSAGE",
	KindSyncRequest:  "SYNC_REQUEST",
	KindSyncResponse: "SYNC_RESPONSE",
	KindEmergency:    "EMERGENCY",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a wire name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MarshalJSON encodes the kind as its wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return json.Marshal(s)
}

// UnmarshalJSON decodes a wire name.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownKind, b)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// CarriesMessage reports whether the envelope payload is a chat message.
func (k Kind) CarriesMessage() bool {
	return k == KindMessage || k == KindSyncMessage || k == KindSyncResponse
}

// Envelope is one unit of LAN or mesh traffic. It is never stored as such;
// only its payload is.
type Envelope struct {
	Kind      Kind   `json:"type"`
	MessageID string `json:"messageId"`
	Content   string `json:"content,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	// SenderID is the authoring user.
	SenderID string `json:"senderId,omitempty"`
	// SourceNodeID is the mesh node that originated the envelope.
	SourceNodeID string `json:"sourceNodeId,omitempty"`
	Timestamp    int64  `json:"timestamp"`

	EmergencyType string  `json:"emergencyType,omitempty"`
	Location      string  `json:"location,omitempty"`
	Latitude      float64 `json:"latitude,omitempty"`
	Longitude     float64 `json:"longitude,omitempty"`
	Severity      string  `json:"severity,omitempty"`
	PeopleCount   int     `json:"peopleCount,omitempty"`
}

// Decode parses one envelope. Every envelope must name a known kind, and
// every kind except SYNC_REQUEST must carry a message id.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: %w: missing type", ErrUnknownKind)
	}
	if env.MessageID == "" && env.Kind != KindSyncRequest {
		return Envelope{}, fmt.Errorf("decode envelope: %s without messageId", env.Kind)
	}
	return env, nil
}

// Encode marshals env.
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// FromMessage wraps a chat message in an envelope of kind k.
func FromMessage(k Kind, m models.Message) Envelope {
	return Envelope{
		Kind:      k,
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
	}
}

// FromEmergency wraps an emergency request. The description travels as content.
func FromEmergency(e models.EmergencyRequest) Envelope {
	return Envelope{
		Kind:          KindEmergency,
		MessageID:     e.ID,
		Content:       e.Description,
		SenderID:      e.RequesterID,
		Timestamp:     e.CreatedAt,
		EmergencyType: e.EmergencyType,
		Location:      e.Location,
		Latitude:      e.Latitude,
		Longitude:     e.Longitude,
		Severity:      e.Severity,
		PeopleCount:   e.PeopleCount,
	}
}

// Message extracts the chat payload. A missing sender falls back to the
// originating node.
func (e Envelope) Message() models.Message {
	sender := e.SenderID
	if sender == "" {
		sender = e.SourceNodeID
	}
	return models.Message{
		ID:        e.MessageID,
		SenderID:  sender,
		ChannelID: e.ChannelID,
		Content:   e.Content,
		Timestamp: e.Timestamp,
	}
}

// Placeholder values for emergency fields an envelope did not carry.
const (
	UnknownRequester = "unknown"
	UnknownType      = "GENERAL"
	UnknownSeverity  = "UNKNOWN"
	OpenStatus       = "OPEN"
)

// Emergency extracts a best-effort emergency request. Fields the envelope
// did not carry are filled with placeholders.
func (e Envelope) Emergency() models.EmergencyRequest {
	req := models.EmergencyRequest{
		ID:            e.MessageID,
		RequesterID:   e.SenderID,
		EmergencyType: e.EmergencyType,
		Description:   e.Content,
		Location:      e.Location,
		Latitude:      e.Latitude,
		Longitude:     e.Longitude,
		Severity:      e.Severity,
		PeopleCount:   e.PeopleCount,
		Status:        OpenStatus,
		CreatedAt:     e.Timestamp,
	}
	if req.RequesterID == "" {
		req.RequesterID = UnknownRequester
	}
	if req.EmergencyType == "" {
		req.EmergencyType = UnknownType
	}
	if req.Severity == "" {
		req.Severity = UnknownSeverity
	}
	if req.CreatedAt == 0 {
		req.CreatedAt = time.Now().UnixMilli()
	}
	return req
}
