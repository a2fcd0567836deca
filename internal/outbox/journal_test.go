package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/eventlog"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestJournal(t *testing.T) (*Journal, *[][]byte, *eventlog.Log) {
	t.Helper()
	var sent [][]byte
	events := eventlog.Discard()
	j := newJournal(func(data []byte) error {
		sent = append(sent, data)
		return nil
	}, events)
	j.now = func() time.Time { return epoch }
	return j, &sent, events
}

func TestJournalAppendsRecords(t *testing.T) {
	j, sent, events := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.PublishDelivery(ctx, domain.MessageDeliveryUpdate{
		MessageID: "m1", ConversationID: "c1", State: domain.StateRead, Timestamp: epoch, Source: domain.SourcePeer,
	}))
	require.NoError(t, j.PublishTyping(ctx, domain.TypingUpdate{ConversationID: "c1", IsTyping: true, Source: domain.SourceLocal}))
	require.NoError(t, j.PublishPresence(ctx, domain.PresenceUpdate{IsOnline: true, Source: domain.SourceLocal}))
	require.Len(t, *sent, 3)

	rec, err := decodeRecord((*sent)[0])
	require.NoError(t, err)
	assert.Equal(t, KindDelivery, rec.Kind)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.True(t, rec.CreatedAt.Equal(epoch))

	var u domain.MessageDeliveryUpdate
	require.NoError(t, json.Unmarshal(rec.Payload, &u))
	assert.Equal(t, "m1", u.MessageID)
	assert.Equal(t, domain.StateRead, u.State)

	rec, err = decodeRecord((*sent)[2])
	require.NoError(t, err)
	assert.Equal(t, KindPresence, rec.Kind)
	assert.Equal(t, uint64(3), events.Count("sink.journaled"))
}

func TestJournalReportsSendFailure(t *testing.T) {
	boom := errors.New("producer closed")
	j := newJournal(func([]byte) error { return boom }, eventlog.Discard())
	err := j.PublishTyping(context.Background(), domain.TypingUpdate{ConversationID: "c1"})
	assert.ErrorIs(t, err, boom)
}

func TestJournalHonoursCancelledContext(t *testing.T) {
	j, sent, _ := newTestJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, j.PublishPresence(ctx, domain.PresenceUpdate{}), context.Canceled)
	assert.Empty(t, *sent)
	assert.NoError(t, j.Close())
}

func TestDecodeRecordRejectsMalformed(t *testing.T) {
	for name, data := range map[string]string{
		"not json":      `{`,
		"unknown kind":  `{"id":"6f1c0f7e-7f6e-4a47-9d0e-0d7b1f0c2a11","kind":"receipt","payload":{}}`,
		"empty payload": `{"id":"6f1c0f7e-7f6e-4a47-9d0e-0d7b1f0c2a11","kind":"typing"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeRecord([]byte(data))
			assert.ErrorIs(t, err, ErrBadRecord)
		})
	}
}

func TestReplayerSkipsBadRecords(t *testing.T) {
	events := eventlog.Discard()
	r := &Replayer{log: events.For(eventlog.FeatureSink)}
	var got []Record
	handle := func(rec Record) { got = append(got, rec) }

	r.process([]byte(`garbage`), handle)
	r.process([]byte(`{"kind":"presence","payload":{"is_online":true}}`), handle)

	require.Len(t, got, 1)
	assert.Equal(t, KindPresence, got[0].Kind)
	assert.Equal(t, uint64(1), events.Count("sink.record_dropped"))
}
