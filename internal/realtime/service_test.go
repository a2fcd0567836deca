package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat_realtime/internal/delivery"
	"chat_realtime/internal/domain"
	"chat_realtime/internal/eventlog"
	"chat_realtime/internal/presence"
	"chat_realtime/internal/retry"
	"chat_realtime/internal/scheduler"
	"chat_realtime/internal/transport"
	"chat_realtime/internal/typing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const waitFor = time.Second

type recorder struct {
	mu         sync.Mutex
	err        error
	deliveries []domain.MessageDeliveryUpdate
	typings    []domain.TypingUpdate
	presences  []domain.PresenceUpdate
}

func (r *recorder) PublishDelivery(_ context.Context, u domain.MessageDeliveryUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, u)
	return r.err
}

func (r *recorder) PublishTyping(_ context.Context, u domain.TypingUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typings = append(r.typings, u)
	return r.err
}

func (r *recorder) PublishPresence(_ context.Context, u domain.PresenceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presences = append(r.presences, u)
	return r.err
}

func (r *recorder) deliveryStates() []domain.DeliveryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeliveryState
	for _, u := range r.deliveries {
		out = append(out, u.State)
	}
	return out
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries), len(r.typings), len(r.presences)
}

type slowSink struct {
	*recorder
	delay time.Duration
}

func (s slowSink) PublishDelivery(ctx context.Context, u domain.MessageDeliveryUpdate) error {
	time.Sleep(s.delay)
	return s.recorder.PublishDelivery(ctx, u)
}

type anySink interface {
	DeliverySink
	TypingSink
	PresenceSink
}

func (r *recorder) countState(state domain.DeliveryState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.deliveries {
		if u.State == state {
			n++
		}
	}
	return n
}

type fixture struct {
	clock   *scheduler.FakeClock
	mt      *transport.MockTransport
	events  *eventlog.Log
	sink    *recorder
	service *Service
}

func newFixture(t *testing.T, sinks ...anySink) *fixture {
	t.Helper()
	clock := scheduler.NewFakeClock(epoch)
	mt := transport.NewMockTransport(true)
	events := eventlog.Discard()
	rec := &recorder{}

	all := Sinks{Delivery: []DeliverySink{rec}, Typing: []TypingSink{rec}, Presence: []PresenceSink{rec}}
	for _, s := range sinks {
		all.Delivery = append(all.Delivery, s)
		all.Typing = append(all.Typing, s)
		all.Presence = append(all.Presence, s)
	}

	dcfg := delivery.DefaultConfig()
	dcfg.Backoff = retry.Backoff{Base: time.Second}
	svc, err := NewService(Deps{
		Transport: mt,
		Session:   domain.StaticSession("u1"),
		Scheduler: scheduler.New(clock),
		Events:    events,
		Delivery:  dcfg,
		Typing:    typing.DefaultConfig(),
		Presence:  presence.DefaultConfig(),
		Options:   Options{ResendQueuedOnReconnect: true},
		Sinks:     all,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &fixture{clock: clock, mt: mt, events: events, sink: rec, service: svc}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.service.Start(context.Background(), nil))
}

func (f *fixture) state(id string) domain.DeliveryState {
	st, _ := f.service.MessageState(id)
	return st.State
}

func TestInboundEventsDriveDelivery(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.service.SendMessage(domain.OutgoingMessage{ID: "m1", ConversationID: "c1", ToUserIDs: []string{"u2"}}))

	f.clock.Advance(200 * time.Millisecond)
	require.True(t, f.mt.Deliver(domain.EventMessageAck, domain.AckPayload{MessageID: "m1"}))
	assert.Equal(t, domain.StateServerAcked, f.state("m1"))

	f.clock.Advance(300 * time.Millisecond)
	f.mt.Deliver(domain.EventReceiptDelivered, domain.ReceiptPayload{MessageID: "m1", FromUserID: "u2", ToUserID: "u1"})
	assert.Equal(t, domain.StateDelivered, f.state("m1"))

	f.mt.Deliver(domain.EventReceiptRead, domain.ReceiptPayload{MessageID: "m1", FromUserID: "u2", ToUserID: "u1"})
	f.mt.Deliver(domain.EventReceiptDelivered, domain.ReceiptPayload{MessageID: "m1"})
	assert.Equal(t, domain.StateRead, f.state("m1"))
}

func TestMalformedInboundIsDropped(t *testing.T) {
	f := newFixture(t)
	assert.NotPanics(t, func() {
		f.mt.Deliver(domain.EventMessageAck, "not json")
		f.mt.Deliver(domain.EventMessageAck, `{}`)
		f.mt.Deliver(domain.EventTyping, `{"conversationId":"c1"}`)
		f.mt.Deliver(domain.EventPresenceUpdate, `{"type":"presence:away","sessionId":"u2"}`)
		f.mt.Deliver(domain.EventMessageNew, `[1,2,3]`)
	})
	assert.Equal(t, uint64(5), f.events.Count("realtime.dropped"))
	assert.Equal(t, uint64(0), f.events.Count("realtime.inbound"))
}

func TestHandlerPanicIsContained(t *testing.T) {
	f := newFixture(t)
	h := f.service.handle("boom", func(json.RawMessage) error { panic("bad state") })
	assert.NotPanics(t, func() { h(nil) })
	assert.Equal(t, uint64(1), f.events.Count("realtime.handler_panic"))
}

func TestPeerMessageIsPublishedAndReceipted(t *testing.T) {
	f := newFixture(t)
	incoming, cancel := f.service.Incoming(4)
	defer cancel()

	f.mt.Deliver(domain.EventMessageNew, domain.MessageSendPayload{
		MessageID: "p1", ConversationID: "c1", FromUserID: "u2", ToUserIDs: []string{"u1"},
		Body: "hey", Timestamp: epoch.Add(-time.Second).UnixMilli(),
	})
	f.mt.Deliver(domain.EventMessageNew, domain.MessageSendPayload{MessageID: "own", ConversationID: "c1", FromUserID: "u1"})

	require.Len(t, incoming, 1)
	msg := <-incoming
	assert.Equal(t, "p1", msg.MessageID)
	assert.Equal(t, "hey", msg.Body)
	assert.Equal(t, epoch.Add(-time.Second), msg.SentAt.UTC())
	assert.Equal(t, epoch, msg.ReceivedAt)

	receipts := f.mt.Emitted(domain.EventReceiptDelivered)
	require.Len(t, receipts, 1)
	assert.Equal(t, domain.ReceiptPayload{
		MessageID: "p1", FromUserID: "u1", ToUserID: "u2", Timestamp: epoch.UnixMilli(),
	}, receipts[0].Payload)

	require.True(t, f.service.MarkRead("p1", "u2"))
	assert.Equal(t, 1, f.mt.Count(domain.EventReceiptRead))
}

func TestPeerTypingAndPresenceAreRouted(t *testing.T) {
	f := newFixture(t)
	f.mt.Deliver(domain.EventTyping, domain.TypingPayload{ConversationID: "c1", FromUserID: "u2", IsTyping: true})
	assert.Equal(t, []string{"u2"}, f.service.Typing().PeerTyping("c1"))

	f.mt.Deliver(domain.EventPresenceUpdate, domain.PresencePayload{Type: domain.PresenceTypeOnline, SessionID: "u2"})
	assert.Equal(t, []string{"u2"}, f.service.Presence().OnlinePeers())
}

func TestStartAnnouncesOnline(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.True(t, f.service.Presence().IsOnline())
	assert.Equal(t, 1, f.mt.Count(domain.EventPresenceUpdate))
	assert.ErrorIs(t, f.service.Start(context.Background(), nil), ErrAlreadyStarted)
	assert.Equal(t, epoch, f.service.Stats().StartedAt)
}

func TestReconnectReannouncesAndResendsQueued(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.mt.SetConnected(false)
	require.Eventually(t, func() bool { return f.events.Count("realtime.disconnected") == 1 }, waitFor, time.Millisecond)
	require.False(t, f.service.SendMessage(domain.OutgoingMessage{ID: "m2", ConversationID: "c1"}))
	assert.Equal(t, domain.StateLocalQueued, f.state("m2"))

	f.mt.SetConnected(true)
	require.Eventually(t, func() bool { return f.events.Count("realtime.resent") == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, domain.StateSocketSent, f.state("m2"))
	assert.Equal(t, 2, f.mt.Count(domain.EventPresenceUpdate), "online is re-announced after reconnect")
}

func TestSinksReceiveEveryUpdate(t *testing.T) {
	failing := &recorder{err: errors.New("broker down")}
	f := newFixture(t, failing)
	f.start(t)

	require.True(t, f.service.SendMessage(domain.OutgoingMessage{ID: "m1", ConversationID: "c1"}))
	f.mt.Deliver(domain.EventMessageAck, domain.AckPayload{MessageID: "m1"})
	require.True(t, f.service.Typing().StartTyping("c1", nil))

	want := []domain.DeliveryState{domain.StateLocalQueued, domain.StateSocketSent, domain.StateServerAcked}
	require.Eventually(t, func() bool { return len(f.sink.deliveryStates()) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, want, f.sink.deliveryStates())
	require.Eventually(t, func() bool {
		d, ty, p := failing.counts()
		return d == 3 && ty == 1 && p == 1
	}, waitFor, time.Millisecond)
	assert.Eventually(t, func() bool { return f.events.Count("realtime.sink_failed") == 5 }, waitFor, time.Millisecond)
}

func TestGoingOfflineStopsTyping(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.True(t, f.service.TextInput("c1", []string{"u2"}))
	f.clock.Advance(300 * time.Millisecond)
	require.True(t, f.service.Typing().IsTyping("c1"))

	f.service.ForcePresence(false)
	require.Eventually(t, func() bool { return !f.service.Typing().IsTyping("c1") }, waitFor, time.Millisecond)
	assert.False(t, f.service.StopTyping("c1"))
}

func TestStatsAggregateManagers(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.True(t, f.service.SendMessage(domain.OutgoingMessage{ID: "m1", ConversationID: "c1"}))
	f.mt.Deliver(domain.EventMessageAck, domain.AckPayload{MessageID: "m1"})

	st := f.service.Stats()
	assert.True(t, st.Connected)
	assert.Equal(t, 1, st.Delivery.Total)
	assert.True(t, st.Presence.IsOnline)
	assert.Equal(t, uint64(1), st.Counters["realtime.inbound"])
	assert.Equal(t, uint64(1), st.Counters["delivery.server_acked"])
}

func TestCloseShutsDown(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.True(t, f.service.Typing().StartTyping("c1", nil))

	f.service.Close()
	f.service.Close()

	presenceTypes := []string{}
	for _, e := range f.mt.Emitted(domain.EventPresenceUpdate) {
		presenceTypes = append(presenceTypes, e.Payload.(domain.PresencePayload).Type)
	}
	assert.Equal(t, []string{domain.PresenceTypeOnline, domain.PresenceTypeOffline}, presenceTypes)
	assert.False(t, f.service.Typing().IsTyping("c1"))

	assert.False(t, f.service.SendMessage(domain.OutgoingMessage{ID: "late", ConversationID: "c1"}))
	f.mt.Deliver(domain.EventMessageAck, domain.AckPayload{MessageID: "late"})
	assert.Equal(t, uint64(1), f.events.Count("realtime.dropped_closed"))
	assert.ErrorIs(t, f.service.Start(context.Background(), nil), ErrClosed)
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{Session: domain.StaticSession("u1")})
	assert.Error(t, err)
	_, err = NewService(Deps{Transport: transport.NewMockTransport(true)})
	assert.Error(t, err)

	bad := presence.DefaultConfig()
	bad.TTL = time.Second
	_, err = NewService(Deps{Transport: transport.NewMockTransport(true), Session: domain.StaticSession("u1"), Presence: bad})
	assert.Error(t, err)
}

func TestBurstReachesEverySink(t *testing.T) {
	slow := slowSink{recorder: &recorder{}, delay: time.Millisecond}
	f := newFixture(t, slow)
	f.start(t)

	const burst = 300
	for i := 0; i < burst; i++ {
		require.True(t, f.service.SendMessage(domain.OutgoingMessage{ID: fmt.Sprintf("m%d", i), ConversationID: "c1"}))
	}
	require.Eventually(t, func() bool {
		d, _, _ := f.sink.counts()
		return d == 2*burst
	}, waitFor, time.Millisecond, "the fast sink is not held back by the slow one")
	assert.Equal(t, burst, f.sink.countState(domain.StateSocketSent))

	require.Eventually(t, func() bool {
		d, _, _ := slow.counts()
		return d == 2*burst
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, DroppedStats{}, f.service.Stats().Dropped)
}

func TestCloseFlushesQueuedSinkUpdates(t *testing.T) {
	slow := slowSink{recorder: &recorder{}, delay: time.Millisecond}
	f := newFixture(t, slow)
	f.start(t)

	for i := 0; i < 100; i++ {
		require.True(t, f.service.SendMessage(domain.OutgoingMessage{ID: fmt.Sprintf("m%d", i), ConversationID: "c1"}))
	}
	f.service.Close()

	assert.Equal(t, 100, slow.countState(domain.StateSocketSent))
	_, _, presences := slow.counts()
	assert.Equal(t, 2, presences, "online at start and offline on close")
}

func TestStatsCountDroppedPerFeed(t *testing.T) {
	f := newFixture(t)
	incoming, cancel := f.service.Incoming(1)
	defer cancel()

	for _, id := range []string{"p1", "p2"} {
		f.mt.Deliver(domain.EventMessageNew, domain.MessageSendPayload{MessageID: id, ConversationID: "c1", FromUserID: "u2"})
	}
	require.Len(t, incoming, 1)
	assert.Equal(t, DroppedStats{Incoming: 1}, f.service.Stats().Dropped)
}
