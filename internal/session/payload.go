package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the variant-specific part of a Record. The set of
// implementations is closed: *PhotoShare, *ChatRoom, *Whiteboard, *QuickPoll.
type Payload interface {
	Kind() Kind
	clone() Payload
}

// ChatMessage is one message posted to a chat room.
type ChatMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRoom is the payload of a chat room session.
type ChatRoom struct {
	Name     string        `json:"name"`
	Messages []ChatMessage `json:"messages"`
}

func (*ChatRoom) Kind() Kind { return KindChatRoom }

func (p *ChatRoom) clone() Payload {
	c := *p
	c.Messages = append([]ChatMessage(nil), p.Messages...)
	return &c
}

// Whiteboard is the payload of a whiteboard session. Drawing events are
// opaque JSON produced by the client.
type Whiteboard struct {
	Drawings []json.RawMessage `json:"drawings"`
}

func (*Whiteboard) Kind() Kind { return KindWhiteboard }

func (p *Whiteboard) clone() Payload {
	c := &Whiteboard{Drawings: make([]json.RawMessage, len(p.Drawings))}
	for i, d := range p.Drawings {
		c.Drawings[i] = append(json.RawMessage(nil), d...)
	}
	return c
}

// FileRef points at an uploaded file in the side storage of a session.
type FileRef struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// PhotoShare is the payload of a photo gallery session.
type PhotoShare struct {
	Files []FileRef `json:"files"`
}

func (*PhotoShare) Kind() Kind { return KindPhotoShare }

func (p *PhotoShare) clone() Payload {
	return &PhotoShare{Files: append([]FileRef(nil), p.Files...)}
}

// PollResponse is one participant's answers to a quick poll.
type PollResponse struct {
	ID        string    `json:"id"`
	Answers   []string  `json:"responses"`
	Timestamp time.Time `json:"timestamp"`
}

// QuickPoll is the payload of a quick poll session.
type QuickPoll struct {
	Questions    []string       `json:"questions"`
	MinResponses int            `json:"min_responses"`
	Responses    []PollResponse `json:"responses"`
	ResultsShown bool           `json:"results_shown"`
}

func (*QuickPoll) Kind() Kind { return KindQuickPoll }

func (p *QuickPoll) clone() Payload {
	c := *p
	c.Questions = append([]string(nil), p.Questions...)
	c.Responses = make([]PollResponse, len(p.Responses))
	for i, r := range p.Responses {
		r.Answers = append([]string(nil), r.Answers...)
		c.Responses[i] = r
	}
	return &c
}

// Patch is a partial update of a Payload. Nil fields leave the corresponding
// payload field unchanged; non-nil fields replace it.
type Patch interface {
	Kind() Kind
}

// ChatRoomPatch updates a ChatRoom.
type ChatRoomPatch struct {
	Name     *string
	Messages []ChatMessage
}

func (ChatRoomPatch) Kind() Kind { return KindChatRoom }

// WhiteboardPatch updates a Whiteboard.
type WhiteboardPatch struct {
	Drawings []json.RawMessage
}

func (WhiteboardPatch) Kind() Kind { return KindWhiteboard }

// PhotoSharePatch updates a PhotoShare.
type PhotoSharePatch struct {
	Files []FileRef
}

func (PhotoSharePatch) Kind() Kind { return KindPhotoShare }

// QuickPollPatch updates a QuickPoll.
type QuickPollPatch struct {
	Questions    []string
	MinResponses *int
	Responses    []PollResponse
	ResultsShown *bool
}

func (QuickPollPatch) Kind() Kind { return KindQuickPoll }

// Merge applies patch to a copy of p and returns the copy. p is never
// modified. The kinds of p and patch must match.
func Merge(p Payload, patch Patch) (Payload, error) {
	if p == nil || patch == nil {
		return nil, fmt.Errorf("session: merge: nil payload or patch")
	}
	if p.Kind() != patch.Kind() {
		return nil, fmt.Errorf("%w: cannot apply %s patch to %s", ErrKindMismatch, patch.Kind(), p.Kind())
	}

	out := p.clone()
	switch dst := out.(type) {
	case *ChatRoom:
		src, ok := patch.(ChatRoomPatch)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported patch type %T", ErrKindMismatch, patch)
		}
		if src.Name != nil {
			dst.Name = *src.Name
		}
		if src.Messages != nil {
			dst.Messages = append([]ChatMessage(nil), src.Messages...)
		}
	case *Whiteboard:
		src, ok := patch.(WhiteboardPatch)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported patch type %T", ErrKindMismatch, patch)
		}
		if src.Drawings != nil {
			dst.Drawings = append([]json.RawMessage(nil), src.Drawings...)
		}
	case *PhotoShare:
		src, ok := patch.(PhotoSharePatch)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported patch type %T", ErrKindMismatch, patch)
		}
		if src.Files != nil {
			dst.Files = append([]FileRef(nil), src.Files...)
		}
	case *QuickPoll:
		src, ok := patch.(QuickPollPatch)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported patch type %T", ErrKindMismatch, patch)
		}
		if src.Questions != nil {
			dst.Questions = append([]string(nil), src.Questions...)
		}
		if src.MinResponses != nil {
			dst.MinResponses = *src.MinResponses
		}
		if src.Responses != nil {
			dst.Responses = append([]PollResponse(nil), src.Responses...)
		}
		if src.ResultsShown != nil {
			dst.ResultsShown = *src.ResultsShown
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
	return out, nil
}

// EmptyPayload returns the zero payload for kind.
func EmptyPayload(kind Kind) (Payload, error) {
	return decodePayload(kind, nil)
}
