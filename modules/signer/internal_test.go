package signer

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptsWatermark(t *testing.T) {
	var a attempts
	first := a.next()
	assert.False(t, first.cancelled())

	second := a.next()
	assert.True(t, first.cancelled())
	assert.False(t, second.cancelled())

	a.cancelAll()
	assert.True(t, second.cancelled())

	// the watermark never moves back
	a.cancelThrough(1)
	assert.True(t, second.cancelled())
	assert.False(t, a.next().cancelled())
}

func req(id, pk string, at time.Time) SigningRequest {
	return SigningRequest{ID: id, Pubkey: pk, ReceivedAt: at, Status: RequestPending}
}

func TestPendingRejectsDuplicates(t *testing.T) {
	p := newPending(time.Minute)
	now := time.Now()
	assert.True(t, p.add(req("a", "pa", now)))
	assert.False(t, p.add(req("a", "pb", now)))
	assert.True(t, p.add(req("b", "pb", now)))

	list := p.list()
	require.Len(t, list, 2)
	assert.Equal(t, "pa", list[0].Pubkey)
}

func TestPendingTakeOrder(t *testing.T) {
	now := time.Now()
	p := newPending(time.Minute)
	p.add(req("a", "pa", now))
	p.add(req("b", "pb", now))
	p.add(req("c", "pb", now))

	got, how, _ := p.take("c", "pa", RequestCompleted)
	assert.Equal(t, matchID, how)
	assert.Equal(t, "c", got.ID)
	assert.Equal(t, RequestCompleted, got.Status)

	got, how, _ = p.take("", "pb", RequestFailed)
	assert.Equal(t, matchPubkey, how)
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, RequestFailed, got.Status)

	got, how, remaining := p.take("zzz", "", RequestCompleted)
	assert.Equal(t, matchSole, how)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, 0, remaining)

	_, how, _ = p.take("a", "pa", RequestCompleted)
	assert.Equal(t, matchNone, how)
}

func TestPendingTakeAmbiguous(t *testing.T) {
	now := time.Now()
	p := newPending(time.Minute)
	p.add(req("a", "pa", now))
	p.add(req("b", "pa", now))

	_, how, remaining := p.take("", "pa", RequestCompleted)
	assert.Equal(t, matchNone, how)
	assert.Equal(t, 2, remaining)
	assert.Len(t, p.list(), 2)
}

func TestPendingEvict(t *testing.T) {
	now := time.Now()
	p := newPending(30 * time.Second)
	p.add(req("old", "pa", now.Add(-31*time.Second)))
	p.add(req("edge", "pa", now.Add(-30*time.Second)))
	p.add(req("new", "pb", now))

	expired := p.evict(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
	assert.Equal(t, RequestFailed, expired[0].Status)
	assert.Len(t, p.list(), 2)
}

func TestSigningLog(t *testing.T) {
	member := strings.Repeat("cd", 32)
	entry, ok, err := signingLog(map[string]any{
		"tag":        "/sign/req",
		"session_id": "s1",
		"type":       "note",
		"stamp":      "1700000000",
		"members":    []any{"02" + strings.ToUpper(member)},
		"content":    strings.Repeat("x", 100),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", entry.SessionID)
	assert.Equal(t, "note", entry.Type)
	assert.Equal(t, int64(1700000000), entry.Timestamp.Unix())
	assert.Equal(t, []string{member}, entry.Members)
	assert.Len(t, entry.Preview, previewLen+3)

	_, ok, err = signingLog(map[string]any{"tag": "/ping/req"})
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = signingLog("plain text")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = signingLog(map[string]any{"tag": "signing", "members": []any{"nope"}})
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "", preview(nil))
	assert.Equal(t, `{"a":1}`, preview(map[string]int{"a": 1}))

	// cut on a rune boundary, never inside a multi-byte character
	got := preview("a" + strings.Repeat("é", 100))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "a"+strings.Repeat("é", previewLen-1)+"...", got)

	exact := strings.Repeat("ü", previewLen)
	assert.Equal(t, exact, preview(exact))
}
