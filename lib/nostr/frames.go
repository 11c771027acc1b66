package nostr

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownFrame = errors.New("unknown relay frame")

type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Frames received from a relay.
type (
	EventFrame struct {
		SubID string
		Event Event
	}
	EOSEFrame struct {
		SubID string
	}
	OKFrame struct {
		EventID  string
		Accepted bool
		Message  string
	}
	NoticeFrame struct {
		Message string
	}
	ClosedFrame struct {
		SubID   string
		Message string
	}
)

type Frame interface {
	Label() string
}

func (EventFrame) Label() string  { return "EVENT" }
func (EOSEFrame) Label() string   { return "EOSE" }
func (OKFrame) Label() string     { return "OK" }
func (NoticeFrame) Label() string { return "NOTICE" }
func (ClosedFrame) Label() string { return "CLOSED" }

func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal([]any{"EVENT", ev})
}

func EncodeReq(subID string, filters ...Filter) ([]byte, error) {
	msg := make([]any, 0, len(filters)+2)
	msg = append(msg, "REQ", subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{"CLOSE", subID})
}

func DecodeFrame(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("decode frame: %d elements", len(parts))
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, fmt.Errorf("decode frame label: %w", err)
	}

	str := func(i int) string {
		var s string
		if i < len(parts) {
			json.Unmarshal(parts[i], &s)
		}
		return s
	}

	switch label {
	case "EVENT":
		if len(parts) < 3 {
			return nil, fmt.Errorf("decode EVENT: missing event")
		}
		var ev Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return nil, fmt.Errorf("decode EVENT: %w", err)
		}
		return EventFrame{SubID: str(1), Event: ev}, nil
	case "EOSE":
		return EOSEFrame{SubID: str(1)}, nil
	case "OK":
		var accepted bool
		if len(parts) > 2 {
			json.Unmarshal(parts[2], &accepted)
		}
		return OKFrame{EventID: str(1), Accepted: accepted, Message: str(3)}, nil
	case "NOTICE":
		return NoticeFrame{Message: str(1)}, nil
	case "CLOSED":
		return ClosedFrame{SubID: str(1), Message: str(2)}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, label)
}
