// Package delivery tracks outbound messages from local queue to read receipt.
//
// Each message moves strictly forward through
//
//	LocalQueued -> SocketSent -> ServerAcked -> Delivered -> Read
//
// or ends early in Failed. A send arms an acknowledgment timeout; a timeout,
// an emit error, or a retry that finds the socket down counts as a failed
// attempt and schedules a backoff retry until MaxRetries attempts have
// failed. Inbound ack/delivery/read events are idempotent and ignored for
// unknown or already-settled messages.
package delivery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/eventlog"
	"chat_realtime/internal/feed"
	"chat_realtime/internal/retry"
	"chat_realtime/internal/scheduler"
	"chat_realtime/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const timerScope = "delivery"

const (
	timerAck   = "ack"
	timerRetry = "retry"
)

type Config struct {
	AckTimeout time.Duration
	MaxRetries int
	Backoff    retry.Backoff
}

func DefaultConfig() Config {
	return Config{
		AckTimeout: 10 * time.Second,
		MaxRetries: 3,
		Backoff:    retry.Backoff{Base: time.Second, Jitter: 0.2},
	}
}

type Stats struct {
	Total        int            `json:"total"`
	Delivered    int            `json:"delivered"`
	Read         int            `json:"read"`
	Failed       int            `json:"failed"`
	DeliveryRate float64        `json:"delivery_rate"`
	ReadRate     float64        `json:"read_rate"`
	ByState      map[string]int `json:"by_state"`
}

type entry struct {
	mu       sync.Mutex
	msg      domain.OutgoingMessage
	state    domain.MessageTransportState
	attempts int
}

type Tracker struct {
	cfg       Config
	transport transport.Transport
	session   domain.Session
	sched     *scheduler.Scheduler
	log       *eventlog.Feature
	updates   *feed.Feed[domain.MessageDeliveryUpdate]

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewTracker(cfg Config, t transport.Transport, session domain.Session, sched *scheduler.Scheduler, events *eventlog.Log) *Tracker {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Tracker{
		cfg:       cfg,
		transport: t,
		session:   session,
		sched:     sched,
		log:       events.For(eventlog.FeatureDelivery),
		updates:   feed.New[domain.MessageDeliveryUpdate](),
		entries:   make(map[string]*entry),
	}
}

// Updates subscribes to delivery transitions.
func (tr *Tracker) Updates(buffer int) (<-chan domain.MessageDeliveryUpdate, func()) {
	return tr.updates.Subscribe(buffer)
}

// AllUpdates subscribes without ever missing one of the delivery transitions; the
// reader must drain the channel until it closes.
func (tr *Tracker) AllUpdates() (<-chan domain.MessageDeliveryUpdate, func()) {
	return tr.updates.SubscribeAll()
}

// DroppedUpdates counts updates that buffered subscribers were too slow for.
func (tr *Tracker) DroppedUpdates() uint64 {
	return tr.updates.Dropped()
}

// Send registers msg and immediately tries to put it on the socket. It
// returns true when the send was dispatched, false when the socket is down
// (the message stays LocalQueued for a later Retry) or the message could not
// be tracked. Sending an id that is still LocalQueued retries it; sending an
// id that Failed starts a fresh attempt.
func (tr *Tracker) Send(msg domain.OutgoingMessage) bool {
	if msg.ConversationID == "" {
		tr.log.Warn("send_rejected", nil, logrus.Fields{"reason": "missing conversation id", "message_id": msg.ID})
		return false
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := tr.sched.Now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.FromUserID == "" {
		if id, ok := tr.session.CurrentUserID(); ok {
			msg.FromUserID = id
		}
	}
	msg.ToUserIDs = append([]string(nil), msg.ToUserIDs...)

	tr.mu.Lock()
	if existing, ok := tr.entries[msg.ID]; ok {
		existing.mu.Lock()
		state := existing.state.State
		existing.mu.Unlock()

		switch state {
		case domain.StateFailed:
			// Replaced below by a brand-new tracked attempt.
		case domain.StateLocalQueued:
			tr.mu.Unlock()
			return tr.Retry(msg.ID)
		default:
			tr.mu.Unlock()
			tr.log.Warn("send_duplicate", nil, logrus.Fields{"message_id": msg.ID, "state": state.String()})
			return false
		}
	}

	e := &entry{
		msg: msg,
		state: domain.MessageTransportState{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			RecipientID:    firstOrEmpty(msg.ToUserIDs),
			RecipientIDs:   msg.ToUserIDs,
			State:          domain.StateLocalQueued,
			CreatedAt:      now,
		},
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tr.entries[msg.ID] = e
	tr.mu.Unlock()

	tr.publishLocked(e, domain.SourceLocal)
	tr.log.Event("queued", logrus.Fields{"message_id": msg.ID, "conversation_id": msg.ConversationID})

	if !tr.transport.IsConnected() {
		tr.log.Info("queued_offline", logrus.Fields{"message_id": msg.ID})
		return false
	}
	return tr.dispatchLocked(e)
}

// Retry re-attempts a LocalQueued message now. It is the caller-driven
// resend path; the tracker never requeues on reconnect by itself.
func (tr *Tracker) Retry(messageID string) bool {
	e := tr.lookup(messageID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.State != domain.StateLocalQueued {
		return false
	}
	if !tr.transport.IsConnected() {
		tr.log.Event("retry_offline", logrus.Fields{"message_id": messageID})
		return false
	}
	tr.sched.Cancel(timerKey(messageID, timerRetry))
	return tr.dispatchLocked(e)
}

func (tr *Tracker) dispatchLocked(e *entry) bool {
	e.attempts++
	payload := domain.MessageSendPayload{
		MessageID:      e.msg.ID,
		ConversationID: e.msg.ConversationID,
		FromUserID:     e.msg.FromUserID,
		ToUserIDs:      e.msg.ToUserIDs,
		Body:           e.msg.Body,
		Timestamp:      domain.UnixMilli(e.msg.Timestamp),
		Metadata:       e.msg.Metadata,
	}
	if err := tr.transport.Emit(domain.EventMessageSend, payload); err != nil {
		tr.failAttemptLocked(e, fmt.Sprintf("emit failed: %v", err))
		return false
	}

	if e.state.State == domain.StateLocalQueued {
		now := tr.sched.Now()
		e.state.State = domain.StateSocketSent
		e.state.SocketSentAt = &now
		tr.publishLocked(e, domain.SourceLocal)
	}
	tr.log.Event("sent", logrus.Fields{"message_id": e.msg.ID, "attempt": e.attempts})

	tr.sched.After(timerKey(e.msg.ID, timerAck), tr.cfg.AckTimeout, func() { tr.onAckTimeout(e) })
	return true
}

func (tr *Tracker) failAttemptLocked(e *entry, reason string) {
	tr.sched.Cancel(timerKey(e.msg.ID, timerAck))

	e.state.RetryCount++
	if e.state.RetryCount >= tr.cfg.MaxRetries {
		e.state.RetryCount = tr.cfg.MaxRetries
		tr.failLocked(e, fmt.Sprintf("send failed after %d attempts: %s", e.state.RetryCount, reason))
		return
	}

	delay := tr.cfg.Backoff.Delay(e.state.RetryCount)
	tr.sched.After(timerKey(e.msg.ID, timerRetry), delay, func() { tr.onRetry(e) })
	tr.log.Warn("retry_scheduled", nil, logrus.Fields{
		"message_id":  e.msg.ID,
		"retry_count": e.state.RetryCount,
		"delay":       delay.String(),
		"reason":      reason,
	})
}

func (tr *Tracker) failLocked(e *entry, reason string) {
	e.state.State = domain.StateFailed
	e.state.ErrorMessage = reason
	tr.sched.CancelSubject(timerScope, e.msg.ID)
	tr.publishLocked(e, domain.SourceLocal)
	tr.log.Error("failed", nil, logrus.Fields{"message_id": e.msg.ID, "reason": reason})
}

func (tr *Tracker) onAckTimeout(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.State != domain.StateSocketSent {
		return
	}
	tr.log.Event("ack_timeout", logrus.Fields{"message_id": e.msg.ID})
	tr.failAttemptLocked(e, "acknowledgment timeout")
}

func (tr *Tracker) onRetry(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.State != domain.StateLocalQueued && e.state.State != domain.StateSocketSent {
		return
	}
	if !tr.transport.IsConnected() {
		tr.failAttemptLocked(e, transport.ErrNotConnected.Error())
		return
	}
	tr.dispatchLocked(e)
}

// HandleServerAck moves a SocketSent message to ServerAcked.
func (tr *Tracker) HandleServerAck(messageID string) bool {
	return tr.advance(messageID, domain.StateServerAcked, domain.SourceServer)
}

// HandleDeliveryConfirmation moves a sent or acked message to Delivered.
func (tr *Tracker) HandleDeliveryConfirmation(messageID string) bool {
	return tr.advance(messageID, domain.StateDelivered, domain.SourcePeer)
}

// HandleReadReceipt moves a sent, acked or delivered message to Read.
func (tr *Tracker) HandleReadReceipt(messageID string) bool {
	return tr.advance(messageID, domain.StateRead, domain.SourcePeer)
}

func (tr *Tracker) advance(messageID string, to domain.DeliveryState, source domain.Source) bool {
	e := tr.lookup(messageID)
	if e == nil {
		tr.log.Event("unknown_message", logrus.Fields{"message_id": messageID, "target": to.String()})
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state.State
	if from < domain.StateSocketSent || from >= to || from == domain.StateFailed {
		tr.log.Event("transition_ignored", logrus.Fields{"message_id": messageID, "from": from.String(), "to": to.String()})
		return false
	}

	now := tr.sched.Now()
	e.state.State = to
	switch to {
	case domain.StateServerAcked:
		e.state.ServerAckedAt = &now
		tr.sched.Cancel(timerKey(messageID, timerAck))
		tr.sched.Cancel(timerKey(messageID, timerRetry))
	case domain.StateDelivered:
		e.state.DeliveredAt = &now
		tr.sched.CancelSubject(timerScope, messageID)
	case domain.StateRead:
		e.state.ReadAt = &now
		tr.sched.CancelSubject(timerScope, messageID)
	}
	tr.publishLocked(e, source)
	tr.log.Event(to.String(), logrus.Fields{"message_id": messageID, "from": from.String()})
	return true
}

// SendDeliveryReceipt tells toUserID that messageID reached this device.
func (tr *Tracker) SendDeliveryReceipt(messageID, toUserID string) bool {
	return tr.sendReceipt(domain.EventReceiptDelivered, messageID, toUserID)
}

// SendReadReceipt tells toUserID that messageID was viewed.
func (tr *Tracker) SendReadReceipt(messageID, toUserID string) bool {
	return tr.sendReceipt(domain.EventReceiptRead, messageID, toUserID)
}

func (tr *Tracker) sendReceipt(event, messageID, toUserID string) bool {
	fields := logrus.Fields{"message_id": messageID, "to_user_id": toUserID, "receipt": event}
	if messageID == "" || toUserID == "" {
		tr.log.Warn("receipt_rejected", nil, fields)
		return false
	}
	if !tr.transport.IsConnected() {
		tr.log.Event("receipt_offline", fields)
		return false
	}
	from, _ := tr.session.CurrentUserID()
	err := tr.transport.Emit(event, domain.ReceiptPayload{
		MessageID:  messageID,
		FromUserID: from,
		ToUserID:   toUserID,
		Timestamp:  domain.UnixMilli(tr.sched.Now()),
	})
	if err != nil {
		tr.log.Warn("receipt_failed", err, fields)
		return false
	}
	tr.log.Event("receipt_sent", fields)
	return true
}

// GetState returns a copy of the tracked state for messageID.
func (tr *Tracker) GetState(messageID string) (domain.MessageTransportState, bool) {
	e := tr.lookup(messageID)
	if e == nil {
		return domain.MessageTransportState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	st.RecipientIDs = append([]string(nil), e.state.RecipientIDs...)
	return st, true
}

// Queued lists messages still waiting in LocalQueued, sorted by id.
func (tr *Tracker) Queued() []string {
	var ids []string
	for _, e := range tr.snapshot() {
		e.mu.Lock()
		if e.state.State == domain.StateLocalQueued {
			ids = append(ids, e.msg.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

func (tr *Tracker) GetStats() Stats {
	stats := Stats{ByState: make(map[string]int)}
	for _, e := range tr.snapshot() {
		e.mu.Lock()
		state := e.state.State
		e.mu.Unlock()

		stats.Total++
		stats.ByState[state.String()]++
		switch state {
		case domain.StateDelivered:
			stats.Delivered++
		case domain.StateRead:
			stats.Delivered++
			stats.Read++
		case domain.StateFailed:
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.DeliveryRate = float64(stats.Delivered) / float64(stats.Total)
		stats.ReadRate = float64(stats.Read) / float64(stats.Total)
	}
	return stats
}

// Reset ends the session: every timer is cancelled and every entry dropped.
func (tr *Tracker) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sched.CancelScope(timerScope)
	tr.entries = make(map[string]*entry)
	tr.log.Info("reset", nil)
}

func (tr *Tracker) lookup(messageID string) *entry {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.entries[messageID]
}

func (tr *Tracker) snapshot() []*entry {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]*entry, 0, len(tr.entries))
	for _, e := range tr.entries {
		out = append(out, e)
	}
	return out
}

func (tr *Tracker) publishLocked(e *entry, source domain.Source) {
	tr.updates.Publish(domain.MessageDeliveryUpdate{
		MessageID:      e.msg.ID,
		ConversationID: e.msg.ConversationID,
		State:          e.state.State,
		Timestamp:      tr.sched.Now(),
		Source:         source,
		RetryCount:     e.state.RetryCount,
		Error:          e.state.ErrorMessage,
	})
}

func timerKey(messageID, name string) scheduler.Key {
	return scheduler.Key{Scope: timerScope, Subject: messageID, Name: name}
}

func firstOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
