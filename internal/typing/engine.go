// Package typing drives the local user's typing indicator and tracks the
// typing indicators of peers.
//
// Local typing is per conversation. Keystrokes are debounced before a start
// signal goes out; while typing, a heartbeat re-sends the start signal and an
// auto-stop timer ends the session after a quiet period. Peer typing is keyed
// by conversation and sender, and expires when a peer stops refreshing it
// within the receiver timeout.
package typing

import (
	"sort"
	"sync"
	"time"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/eventlog"
	"chat_realtime/internal/feed"
	"chat_realtime/internal/scheduler"
	"chat_realtime/internal/transport"

	"github.com/sirupsen/logrus"
)

const (
	timerScope     = "typing"
	peerTimerScope = "typing-peer"

	timerDebounce  = "debounce"
	timerHeartbeat = "heartbeat"
	timerAutoStop  = "autostop"
)

type Config struct {
	Debounce        time.Duration
	DebounceMaxWait time.Duration
	Heartbeat       time.Duration
	AutoStop        time.Duration
	// ReceiverTimeout is how long a peer's start signal stays valid
	// without a refresh.
	ReceiverTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:        250 * time.Millisecond,
		DebounceMaxWait: time.Second,
		Heartbeat:       3 * time.Second,
		AutoStop:        2 * time.Second,
		ReceiverTimeout: 4 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.DebounceMaxWait < c.Debounce {
		c.DebounceMaxWait = c.Debounce
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.AutoStop <= 0 {
		c.AutoStop = d.AutoStop
	}
	if c.ReceiverTimeout <= 0 {
		c.ReceiverTimeout = d.ReceiverTimeout
	}
	return c
}

type Stats struct {
	ActiveConversations int    `json:"active_conversations"`
	PendingInput        int    `json:"pending_input"`
	TypingPeers         int    `json:"typing_peers"`
	StartsSent          uint64 `json:"starts_sent"`
	StopsSent           uint64 `json:"stops_sent"`
	HeartbeatsSent      uint64 `json:"heartbeats_sent"`
}

type conversation struct {
	mu           sync.Mutex
	state        domain.TypingState
	pendingSince time.Time
	lastInput    time.Time
	pendingTo    []string
	// removed is set once the engine forgot this conversation; holders
	// must look it up again.
	removed bool
}

type peerKey struct {
	conversationID string
	userID         string
}

type Engine struct {
	cfg       Config
	transport transport.Transport
	session   domain.Session
	sched     *scheduler.Scheduler
	log       *eventlog.Feature
	updates   *feed.Feed[domain.TypingUpdate]

	mu    sync.Mutex
	convs map[string]*conversation

	peerMu sync.Mutex
	peers  map[peerKey]time.Time
}

func NewEngine(cfg Config, t transport.Transport, session domain.Session, sched *scheduler.Scheduler, events *eventlog.Log) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		transport: t,
		session:   session,
		sched:     sched,
		log:       events.For(eventlog.FeatureTyping),
		updates:   feed.New[domain.TypingUpdate](),
		convs:     make(map[string]*conversation),
		peers:     make(map[peerKey]time.Time),
	}
}

func (e *Engine) Updates(buffer int) (<-chan domain.TypingUpdate, func()) {
	return e.updates.Subscribe(buffer)
}

// AllUpdates subscribes without ever missing one of the typing updates; the
// reader must drain the channel until it closes.
func (e *Engine) AllUpdates() (<-chan domain.TypingUpdate, func()) {
	return e.updates.SubscribeAll()
}

// DroppedUpdates counts updates that buffered subscribers were too slow for.
func (e *Engine) DroppedUpdates() uint64 {
	return e.updates.Dropped()
}

// StartTyping marks the local user as typing in conversationID. Calling it
// while already typing refreshes activity and the auto-stop window.
func (e *Engine) StartTyping(conversationID string, toUserIDs []string) bool {
	if conversationID == "" {
		return false
	}
	c := e.lock(conversationID, true)
	defer c.mu.Unlock()

	if c.state.IsTyping {
		e.refreshLocked(c, toUserIDs)
		return true
	}
	e.startLocked(c, toUserIDs, e.sched.Now())
	return true
}

// StopTyping ends local typing in conversationID and drops any pending
// keystroke. It reports whether typing was active.
func (e *Engine) StopTyping(conversationID string) bool {
	c := e.lock(conversationID, false)
	if c == nil {
		return false
	}
	defer c.mu.Unlock()

	if !c.state.IsTyping {
		e.sched.Cancel(key(conversationID, timerDebounce))
		e.forgetLocked(c)
		return false
	}
	e.stopLocked(c, "explicit")
	return true
}

// OnTextInput records a keystroke. The start or heartbeat signal is sent once
// input pauses for the debounce interval, or at the latest DebounceMaxWait
// after the first pending keystroke.
func (e *Engine) OnTextInput(conversationID string, toUserIDs []string) bool {
	if conversationID == "" {
		return false
	}
	c := e.lock(conversationID, true)
	defer c.mu.Unlock()

	now := e.sched.Now()
	if c.pendingSince.IsZero() {
		c.pendingSince = now
	}
	c.lastInput = now
	if len(toUserIDs) > 0 {
		c.pendingTo = append([]string(nil), toUserIDs...)
	}
	if c.state.IsTyping {
		c.state.LastActivityAt = now
	}

	delay := e.cfg.Debounce
	if remaining := c.pendingSince.Add(e.cfg.DebounceMaxWait).Sub(now); remaining < delay {
		delay = remaining
	}
	e.sched.After(key(conversationID, timerDebounce), delay, func() { e.onDebounce(c) })
	return true
}

func (e *Engine) onDebounce(c *conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed || c.pendingSince.IsZero() {
		return
	}
	to := c.pendingTo
	c.pendingSince = time.Time{}

	if !c.state.IsTyping {
		e.startLocked(c, to, c.lastInput)
		return
	}
	if e.sched.Now().Sub(c.state.LastActivityAt) > e.cfg.AutoStop {
		e.stopLocked(c, "inactive")
		return
	}
	if len(to) > 0 {
		c.state.ToUserIDs = append([]string(nil), to...)
	}
	e.emitLocked(c, true, "extend_sent")
	e.armAutoStopLocked(c)
}

// startLocked begins typing; lastActivity is the keystroke the auto-stop
// window is measured from.
func (e *Engine) startLocked(c *conversation, toUserIDs []string, lastActivity time.Time) {
	now := e.sched.Now()
	if len(toUserIDs) > 0 {
		c.state.ToUserIDs = append([]string(nil), toUserIDs...)
	}
	c.state.IsTyping = true
	c.state.LastActivityAt = lastActivity

	e.emitLocked(c, true, "start_sent")
	e.sched.Every(key(c.state.ConversationID, timerHeartbeat), e.cfg.Heartbeat, func() { e.onHeartbeat(c) })
	e.armAutoStopLocked(c)
	e.publishLocked(c, now)
}

func (e *Engine) refreshLocked(c *conversation, toUserIDs []string) {
	if len(toUserIDs) > 0 {
		c.state.ToUserIDs = append([]string(nil), toUserIDs...)
	}
	c.state.LastActivityAt = e.sched.Now()
	e.sched.After(key(c.state.ConversationID, timerAutoStop), e.cfg.AutoStop, func() { e.onAutoStop(c) })
	e.log.Event("refreshed", logrus.Fields{"conversation_id": c.state.ConversationID})
}

func (e *Engine) stopLocked(c *conversation, reason string) {
	e.sched.CancelSubject(timerScope, c.state.ConversationID)
	c.state.IsTyping = false
	c.pendingSince = time.Time{}

	e.emitLocked(c, false, "stop_sent")
	e.publishLocked(c, e.sched.Now())
	e.log.Event("stopped", logrus.Fields{"conversation_id": c.state.ConversationID, "reason": reason})
	e.forgetLocked(c)
}

// forgetLocked drops an idle conversation from the engine.
func (e *Engine) forgetLocked(c *conversation) {
	c.pendingSince = time.Time{}
	c.removed = true
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.convs[c.state.ConversationID] == c {
		delete(e.convs, c.state.ConversationID)
	}
}

// armAutoStopLocked schedules the auto-stop check for when the current
// activity window closes.
func (e *Engine) armAutoStopLocked(c *conversation) {
	remaining := c.state.LastActivityAt.Add(e.cfg.AutoStop).Sub(e.sched.Now())
	e.sched.After(key(c.state.ConversationID, timerAutoStop), remaining, func() { e.onAutoStop(c) })
}

func (e *Engine) onAutoStop(c *conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsTyping {
		return
	}
	if e.sched.Now().Sub(c.state.LastActivityAt) < e.cfg.AutoStop {
		e.armAutoStopLocked(c)
		return
	}
	e.stopLocked(c, "auto_stop")
}

func (e *Engine) onHeartbeat(c *conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsTyping {
		return
	}
	e.emitLocked(c, true, "heartbeat_sent")
}

func (e *Engine) emitLocked(c *conversation, isTyping bool, event string) {
	from, _ := e.session.CurrentUserID()
	fields := logrus.Fields{"conversation_id": c.state.ConversationID, "is_typing": isTyping}
	err := e.transport.Emit(domain.EventTyping, domain.TypingPayload{
		ConversationID: c.state.ConversationID,
		FromUserID:     from,
		ToUserIDs:      c.state.ToUserIDs,
		IsTyping:       isTyping,
		Timestamp:      domain.UnixMilli(e.sched.Now()),
	})
	if err != nil {
		e.log.Warn("emit_failed", err, fields)
		return
	}
	e.log.Event(event, fields)
}

func (e *Engine) publishLocked(c *conversation, at time.Time) {
	from, _ := e.session.CurrentUserID()
	e.updates.Publish(domain.TypingUpdate{
		ConversationID: c.state.ConversationID,
		UserID:         from,
		IsTyping:       c.state.IsTyping,
		Timestamp:      at,
		Source:         domain.SourceLocal,
	})
}

// HandleIncomingTypingIndicator records a peer's typing signal and reports
// whether that peer's typing state changed. Echoes of the local user's own
// signal are ignored.
func (e *Engine) HandleIncomingTypingIndicator(conversationID, fromUserID string, isTyping bool) bool {
	fields := logrus.Fields{"conversation_id": conversationID, "from_user_id": fromUserID, "is_typing": isTyping}
	if conversationID == "" || fromUserID == "" {
		e.log.Warn("peer_rejected", nil, fields)
		return false
	}
	if self, ok := e.session.CurrentUserID(); ok && self == fromUserID {
		e.log.Event("self_echo", fields)
		return false
	}

	k := peerKey{conversationID: conversationID, userID: fromUserID}
	tk := scheduler.Key{Scope: peerTimerScope, Subject: conversationID, Name: fromUserID}
	now := e.sched.Now()

	e.peerMu.Lock()
	defer e.peerMu.Unlock()

	_, typing := e.peers[k]
	if !isTyping {
		if !typing {
			return false
		}
		delete(e.peers, k)
		e.sched.Cancel(tk)
		e.publishPeer(k, false, now)
		e.log.Event("peer_stopped", fields)
		return true
	}

	e.peers[k] = now
	e.sched.After(tk, e.cfg.ReceiverTimeout, func() { e.onPeerExpired(k) })
	if typing {
		e.log.Event("peer_refreshed", fields)
		return false
	}
	e.publishPeer(k, true, now)
	e.log.Event("peer_started", fields)
	return true
}

func (e *Engine) onPeerExpired(k peerKey) {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	seen, ok := e.peers[k]
	if !ok {
		return
	}
	now := e.sched.Now()
	if now.Sub(seen) < e.cfg.ReceiverTimeout {
		return
	}
	delete(e.peers, k)
	e.publishPeer(k, false, now)
	e.log.Event("peer_expired", logrus.Fields{"conversation_id": k.conversationID, "from_user_id": k.userID})
}

func (e *Engine) publishPeer(k peerKey, isTyping bool, at time.Time) {
	e.updates.Publish(domain.TypingUpdate{
		ConversationID: k.conversationID,
		UserID:         k.userID,
		IsTyping:       isTyping,
		Timestamp:      at,
		Source:         domain.SourcePeer,
	})
}

// PeerTyping lists the peers currently typing in conversationID.
func (e *Engine) PeerTyping(conversationID string) []string {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	var ids []string
	for k := range e.peers {
		if k.conversationID == conversationID {
			ids = append(ids, k.userID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) IsTyping(conversationID string) bool {
	st, ok := e.State(conversationID)
	return ok && st.IsTyping
}

// State returns a copy of the local typing state for conversationID.
func (e *Engine) State(conversationID string) (domain.TypingState, bool) {
	c := e.lock(conversationID, false)
	if c == nil {
		return domain.TypingState{}, false
	}
	defer c.mu.Unlock()
	st := c.state
	st.ToUserIDs = append([]string(nil), c.state.ToUserIDs...)
	return st, true
}

// ActiveConversations lists conversations where the local user is typing.
func (e *Engine) ActiveConversations() []string {
	var ids []string
	for _, c := range e.snapshot() {
		c.mu.Lock()
		if c.state.IsTyping {
			ids = append(ids, c.state.ConversationID)
		}
		c.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) Stats() Stats {
	var st Stats
	for _, c := range e.snapshot() {
		c.mu.Lock()
		if c.state.IsTyping {
			st.ActiveConversations++
		}
		if !c.pendingSince.IsZero() {
			st.PendingInput++
		}
		c.mu.Unlock()
	}
	e.peerMu.Lock()
	st.TypingPeers = len(e.peers)
	e.peerMu.Unlock()

	st.StartsSent = e.log.Count("start_sent")
	st.StopsSent = e.log.Count("stop_sent")
	st.HeartbeatsSent = e.log.Count("heartbeat_sent") + e.log.Count("extend_sent")
	return st
}

// StopAll stops local typing everywhere and forgets every peer, for
// example when the user goes offline.
func (e *Engine) StopAll() {
	for _, c := range e.snapshot() {
		c.mu.Lock()
		if c.state.IsTyping {
			e.stopLocked(c, "stop_all")
		} else if !c.removed {
			e.forgetLocked(c)
		}
		c.mu.Unlock()
	}
	e.sched.CancelScope(timerScope)

	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	now := e.sched.Now()
	for k := range e.peers {
		delete(e.peers, k)
		e.publishPeer(k, false, now)
	}
	e.sched.CancelScope(peerTimerScope)
}

func (e *Engine) conversation(id string, create bool) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[id]
	if !ok && create {
		c = &conversation{state: domain.TypingState{ConversationID: id}}
		e.convs[id] = c
	}
	return c
}

// lock returns the live conversation for id with its mutex held, or nil
// when it does not exist and create is false.
func (e *Engine) lock(id string, create bool) *conversation {
	for {
		c := e.conversation(id, create)
		if c == nil {
			return nil
		}
		c.mu.Lock()
		if !c.removed {
			return c
		}
		c.mu.Unlock()
	}
}

func (e *Engine) snapshot() []*conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*conversation, 0, len(e.convs))
	for _, c := range e.convs {
		out = append(out, c)
	}
	return out
}

func key(conversationID, name string) scheduler.Key {
	return scheduler.Key{Scope: timerScope, Subject: conversationID, Name: name}
}
