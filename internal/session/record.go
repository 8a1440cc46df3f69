package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// KeyPrefix is the backend key prefix for all session records.
const KeyPrefix = "session:"

// Kind is the closed set of session variants.
type Kind string

const (
	KindPhotoShare Kind = "photo_share"
	KindChatRoom   Kind = "chat_room"
	KindWhiteboard Kind = "whiteboard"
	KindQuickPoll  Kind = "quick_poll"
)

// Kinds lists every valid Kind.
var Kinds = []Kind{KindPhotoShare, KindChatRoom, KindWhiteboard, KindQuickPoll}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPhotoShare, KindChatRoom, KindWhiteboard, KindQuickPoll:
		return true
	}
	return false
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Record is a single ephemeral session. ID, Kind, CreatedAt and ExpiresAt are
// fixed at creation; only Payload changes, through Store.Update.
type Record struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time
	ExpiresAt time.Time
	Payload   Payload
}

// Key returns the backend key for a session id.
func Key(id string) string {
	return KeyPrefix + id
}

// VisibleAt reports whether the record is readable at now given the read grace.
func (r *Record) VisibleAt(now time.Time, readGrace time.Duration) bool {
	return !now.After(r.ExpiresAt.Add(readGrace))
}

// ReapableAt reports whether the reaper may delete the record at now.
func (r *Record) ReapableAt(now time.Time, reapGrace time.Duration) bool {
	return now.After(r.ExpiresAt.Add(reapGrace))
}

// wireRecord is the JSON form stored in the backends.
type wireRecord struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("session: record %s has no payload", r.ID)
	}
	if r.Payload.Kind() != r.Kind {
		return nil, fmt.Errorf("%w: record %s is %s, payload is %s", ErrKindMismatch, r.ID, r.Kind, r.Payload.Kind())
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("session: marshal payload: %w", err)
	}
	return json.Marshal(wireRecord{
		ID:        r.ID,
		Kind:      r.Kind,
		CreatedAt: r.CreatedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
		Payload:   payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The payload is decoded into the
// concrete type selected by the kind discriminator.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("session: unmarshal record: %w", err)
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*r = Record{
		ID:        w.ID,
		Kind:      w.Kind,
		CreatedAt: w.CreatedAt,
		ExpiresAt: w.ExpiresAt,
		Payload:   payload,
	}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindPhotoShare:
		p = &PhotoShare{}
	case KindChatRoom:
		p = &ChatRoom{}
	case KindWhiteboard:
		p = &Whiteboard{}
	case KindQuickPoll:
		p = &QuickPoll{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("session: decode %s payload: %w", kind, err)
		}
	}
	return p, nil
}
