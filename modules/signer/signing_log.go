package signer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"igloo-signer/modules/peers"

	"github.com/go-viper/mapstructure/v2"
)

const previewLen = 64

// SigningLog is the payload of a signing-category Log event.
type SigningLog struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Members   []string  `json:"members"`
	Preview   string    `json:"preview"`
}

type signingPayload struct {
	Tag       string   `mapstructure:"tag"`
	SessionID string   `mapstructure:"session_id"`
	Type      string   `mapstructure:"type"`
	Stamp     int64    `mapstructure:"stamp"`
	Members   []string `mapstructure:"members"`
	Content   any      `mapstructure:"content"`
}

func isSigningTag(tag string) bool {
	return tag == CategorySigning || strings.HasPrefix(tag, "/sign/")
}

// signingLog extracts a signing payload from node chatter. ok is false for
// anything not tagged as signing; err is set when a tagged payload is
// malformed.
func signingLog(payload any) (log SigningLog, ok bool, err error) {
	raw, isMap := payload.(map[string]any)
	if !isMap {
		return SigningLog{}, false, nil
	}
	if tag, _ := raw["tag"].(string); !isSigningTag(tag) {
		return SigningLog{}, false, nil
	}

	var p signingPayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return SigningLog{}, true, err
	}
	if err := dec.Decode(raw); err != nil {
		return SigningLog{}, true, fmt.Errorf("decoding signing payload: %w", err)
	}

	members := make([]string, 0, len(p.Members))
	for _, m := range p.Members {
		n, err := peers.NormalizePubkey(m)
		if err != nil {
			return SigningLog{}, true, fmt.Errorf("signing payload member: %w", err)
		}
		members = append(members, n)
	}

	log = SigningLog{
		SessionID: p.SessionID,
		Type:      p.Type,
		Members:   members,
		Preview:   preview(p.Content),
	}
	if p.Stamp > 0 {
		log.Timestamp = time.Unix(p.Stamp, 0).UTC()
	}
	return log, true, nil
}

func preview(content any) string {
	var s string
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		s = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprint(v)
		} else {
			s = string(b)
		}
	}
	if utf8.RuneCountInString(s) > previewLen {
		return string([]rune(s)[:previewLen]) + "..."
	}
	return s
}
