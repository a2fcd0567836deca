// Package presence owns the local user's online/offline state and keeps the
// server's view of it alive.
//
// Going online arms a keepalive ping that must stay comfortably inside the
// server's presence TTL; going offline cancels it. Backgrounding the app only
// flips to offline after a grace delay, so quick app switches never reach the
// server. Presence announcements are directed at the active contacts of the
// watched conversations.
package presence

import (
	"context"
	"errors"
	"fmt"
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

// MinTTLMargin is the least headroom allowed between the keepalive interval
// and the server-side presence TTL.
const MinTTLMargin = 5 * time.Second

const (
	timerScope      = "presence"
	timerSubject    = "self"
	timerKeepalive  = "keepalive"
	timerBackground = "background"
)

var (
	ErrAlreadyInitialized = errors.New("presence manager already initialized")
	ErrDisposed           = errors.New("presence manager disposed")
)

type Config struct {
	BackgroundDelay   time.Duration
	KeepaliveInterval time.Duration
	TTL               time.Duration
	// LookupTimeout bounds each ContactDirectory call.
	LookupTimeout time.Duration
	Device        domain.DeviceInfo
}

func DefaultConfig() Config {
	return Config{
		BackgroundDelay:   5 * time.Second,
		KeepaliveInterval: 25 * time.Second,
		TTL:               35 * time.Second,
		LookupTimeout:     2 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.BackgroundDelay <= 0 {
		return fmt.Errorf("presence background delay must be positive, got %s", c.BackgroundDelay)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("presence keepalive interval must be positive, got %s", c.KeepaliveInterval)
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("presence lookup timeout must be positive, got %s", c.LookupTimeout)
	}
	if c.KeepaliveInterval+MinTTLMargin > c.TTL {
		return fmt.Errorf("presence keepalive %s must be at least %s below ttl %s", c.KeepaliveInterval, MinTTLMargin, c.TTL)
	}
	return nil
}

type Stats struct {
	IsOnline             bool      `json:"is_online"`
	KeepaliveArmed       bool      `json:"keepalive_armed"`
	Lifecycle            string    `json:"lifecycle"`
	LastPresenceUpdateAt time.Time `json:"last_presence_update_at"`
	LastPingAt           time.Time `json:"last_ping_at"`
	WatchedConversations int       `json:"watched_conversations"`
	KnownPeers           int       `json:"known_peers"`
	OnlinePeers          int       `json:"online_peers"`
	Announcements        uint64    `json:"announcements"`
	Pings                uint64    `json:"pings"`
}

type Manager struct {
	cfg       Config
	transport transport.Transport
	session   domain.Session
	directory domain.ContactDirectory
	sched     *scheduler.Scheduler
	log       *eventlog.Feature
	updates   *feed.Feed[domain.PresenceUpdate]

	// announceMu serializes transitions with their announcements so
	// online/offline emits leave in the order the state changed.
	announceMu sync.Mutex

	mu          sync.Mutex
	state       domain.PresenceState
	lifecycle   LifecycleState
	lastPingAt  time.Time
	watched     map[string]struct{}
	peers       map[string]domain.PresenceUpdate
	initialized bool
	disposed    bool
	stop        func()
	wg          sync.WaitGroup
}

// NewManager builds a manager in the offline state. directory may be nil, in
// which case every announcement is a broadcast.
func NewManager(cfg Config, t transport.Transport, session domain.Session, directory domain.ContactDirectory, sched *scheduler.Scheduler, events *eventlog.Log) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		transport: t,
		session:   session,
		directory: directory,
		sched:     sched,
		log:       events.For(eventlog.FeaturePresence),
		updates:   feed.New[domain.PresenceUpdate](),
		watched:   make(map[string]struct{}),
		peers:     make(map[string]domain.PresenceUpdate),
	}, nil
}

func (m *Manager) Updates(buffer int) (<-chan domain.PresenceUpdate, func()) {
	return m.updates.Subscribe(buffer)
}

// AllUpdates subscribes without ever missing one of the presence updates; the
// reader must drain the channel until it closes.
func (m *Manager) AllUpdates() (<-chan domain.PresenceUpdate, func()) {
	return m.updates.SubscribeAll()
}

// DroppedUpdates counts updates that buffered subscribers were too slow for.
func (m *Manager) DroppedUpdates() uint64 {
	return m.updates.Dropped()
}

// Initialize starts following lifecycle transitions until ctx ends or the
// manager is disposed. It may be called once; the manager stays offline
// until the first transition or forced update.
func (m *Manager) Initialize(ctx context.Context, source LifecycleSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	if m.initialized {
		return ErrAlreadyInitialized
	}
	m.initialized = true
	m.log.Info("initialized", logrus.Fields{"keepalive": m.cfg.KeepaliveInterval.String(), "ttl": m.cfg.TTL.String()})

	if source == nil {
		return nil
	}
	states, cancel := source.Lifecycle()
	m.stop = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				m.HandleLifecycle(st)
			}
		}
	}()
	return nil
}

// HandleLifecycle reacts to one application lifecycle transition.
func (m *Manager) HandleLifecycle(state LifecycleState) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.lifecycle = state
	online := m.state.IsOnline
	m.mu.Unlock()
	m.log.Event("lifecycle_"+state.String(), nil)

	switch state {
	case LifecycleResumed:
		m.sched.Cancel(timerKey(timerBackground))
		m.transition(true, false, "resumed")
	case LifecyclePaused:
		if online {
			m.sched.After(timerKey(timerBackground), m.cfg.BackgroundDelay, m.onBackground)
		}
	case LifecycleTerminated:
		m.sched.Cancel(timerKey(timerBackground))
		m.transition(false, false, "terminated")
	}
}

// onBackground goes offline only if the app is still paused once the
// announcement lock is held, so a resume racing the timer wins.
func (m *Manager) onBackground() {
	m.transitionIf(false, false, "background", func() bool { return m.lifecycle == LifecyclePaused })
}

// ForcePresenceUpdate sets and announces presence even when unchanged.
func (m *Manager) ForcePresenceUpdate(online bool) {
	m.sched.Cancel(timerKey(timerBackground))
	m.transition(online, true, "forced")
}

// HandleTransportReconnect re-announces online presence, since the server
// may have expired it while the socket was down.
func (m *Manager) HandleTransportReconnect() bool {
	if !m.IsOnline() {
		m.log.Event("reconnect_offline", nil)
		return false
	}
	return m.transition(true, true, "reconnect")
}

func (m *Manager) HandleTransportDisconnect() {
	m.log.Event("transport_lost", logrus.Fields{"online": m.IsOnline()})
}

func (m *Manager) transition(online, force bool, reason string) bool {
	return m.transitionIf(online, force, reason, nil)
}

// transitionIf is transition guarded by cond, evaluated with mu held.
func (m *Manager) transitionIf(online, force bool, reason string, cond func() bool) bool {
	m.announceMu.Lock()
	defer m.announceMu.Unlock()

	m.mu.Lock()
	if m.disposed || (cond != nil && !cond()) {
		m.mu.Unlock()
		return false
	}
	changed := m.state.IsOnline != online
	if !changed && !force {
		m.mu.Unlock()
		return false
	}
	now := m.sched.Now()
	m.state.IsOnline = online
	m.state.LastPresenceUpdateAt = now
	if changed {
		if online {
			m.sched.Every(timerKey(timerKeepalive), m.cfg.KeepaliveInterval, m.onKeepalive)
		} else {
			m.sched.CancelSubject(timerScope, timerSubject)
		}
		m.state.KeepaliveArmed = online
		m.publishLocked(now)
	}
	watched := m.watchedLocked()
	m.mu.Unlock()

	m.log.Info("transition", logrus.Fields{"online": online, "reason": reason, "changed": changed})
	m.announce(online, m.recipients(watched), now)
	return true
}

func (m *Manager) announce(online bool, to []string, at time.Time) {
	self, _ := m.session.CurrentUserID()
	payload := domain.PresencePayload{
		Type:      domain.PresenceTypeOffline,
		SessionID: self,
		Timestamp: domain.UnixMilli(at),
		ToUserIDs: to,
	}
	if online {
		payload.Type = domain.PresenceTypeOnline
	}
	if m.cfg.Device.DeviceID != "" {
		device := m.cfg.Device
		payload.DeviceInfo = &device
	}
	fields := logrus.Fields{"type": payload.Type, "recipients": len(to)}
	if err := m.transport.Emit(domain.EventPresenceUpdate, payload); err != nil {
		m.log.Warn("announce_failed", err, fields)
		return
	}
	m.log.Event("announced", fields)
}

func (m *Manager) onKeepalive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.IsOnline {
		return
	}
	if !m.transport.IsConnected() {
		m.log.Event("ping_skipped", nil)
		return
	}
	self, _ := m.session.CurrentUserID()
	now := m.sched.Now()
	err := m.transport.Emit(domain.EventPresencePing, domain.PresencePingPayload{
		Type:      domain.PresenceTypePing,
		SessionID: self,
		Timestamp: domain.UnixMilli(now),
	})
	if err != nil {
		m.log.Warn("ping_failed", err, nil)
		return
	}
	m.lastPingAt = now
	m.log.Event("ping_sent", nil)
}

// recipients resolves the deduplicated active contacts of the watched
// conversations. Nil means broadcast to every contact.
func (m *Manager) recipients(conversations []string) []string {
	if m.directory == nil || len(conversations) == 0 {
		return nil
	}
	self, _ := m.session.CurrentUserID()
	seen := make(map[string]struct{})
	for _, id := range conversations {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LookupTimeout)
		contacts, err := m.directory.ActiveContactIDs(ctx, id)
		cancel()
		if err != nil {
			m.log.Warn("contact_lookup_failed", err, logrus.Fields{"conversation_id": id})
			continue
		}
		for _, c := range contacts {
			if c != "" && c != self {
				seen[c] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WatchConversation adds conversationID's contacts to the presence audience.
func (m *Manager) WatchConversation(conversationID string) {
	if conversationID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[conversationID] = struct{}{}
}

func (m *Manager) UnwatchConversation(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, conversationID)
}

func (m *Manager) watchedLocked() []string {
	out := make([]string, 0, len(m.watched))
	for id := range m.watched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HandlePeerPresence records a peer's presence announcement and reports
// whether that peer's online state changed. Stale and self updates are
// ignored.
func (m *Manager) HandlePeerPresence(p domain.PresencePayload) bool {
	if err := p.Validate(); err != nil {
		m.log.Warn("peer_rejected", err, nil)
		return false
	}
	if self, ok := m.session.CurrentUserID(); ok && self == p.SessionID {
		m.log.Event("self_echo", nil)
		return false
	}
	at := domain.FromUnixMilli(p.Timestamp)
	if at.IsZero() {
		at = m.sched.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, known := m.peers[p.SessionID]
	if known && at.Before(prev.Timestamp) {
		m.log.Event("peer_stale", logrus.Fields{"user_id": p.SessionID})
		return false
	}
	update := domain.PresenceUpdate{
		UserID:    p.SessionID,
		IsOnline:  p.Online(),
		Timestamp: at,
		Source:    domain.SourcePeer,
	}
	m.peers[p.SessionID] = update
	if known && prev.IsOnline == update.IsOnline {
		return false
	}
	m.updates.Publish(update)
	m.log.Event("peer_changed", logrus.Fields{"user_id": p.SessionID, "online": update.IsOnline})
	return true
}

// PeerPresence returns the last presence seen for userID.
func (m *Manager) PeerPresence(userID string) (domain.PresenceUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.peers[userID]
	return u, ok
}

func (m *Manager) OnlinePeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, u := range m.peers {
		if u.IsOnline {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsOnline
}

func (m *Manager) State() domain.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		IsOnline:             m.state.IsOnline,
		KeepaliveArmed:       m.state.KeepaliveArmed,
		Lifecycle:            m.lifecycle.String(),
		LastPresenceUpdateAt: m.state.LastPresenceUpdateAt,
		LastPingAt:           m.lastPingAt,
		WatchedConversations: len(m.watched),
		KnownPeers:           len(m.peers),
		Announcements:        m.log.Count("announced"),
		Pings:                m.log.Count("ping_sent"),
	}
	for _, u := range m.peers {
		if u.IsOnline {
			st.OnlinePeers++
		}
	}
	return st
}

// Dispose announces offline if needed, stops following the lifecycle and
// cancels every presence timer. Later calls are no-ops.
func (m *Manager) Dispose() {
	m.transition(false, false, "dispose")

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	stop := m.stop
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.wg.Wait()
	m.sched.CancelScope(timerScope)
	m.updates.Close()
	m.log.Info("disposed", nil)
}

func (m *Manager) publishLocked(at time.Time) {
	self, _ := m.session.CurrentUserID()
	m.updates.Publish(domain.PresenceUpdate{
		UserID:    self,
		IsOnline:  m.state.IsOnline,
		Timestamp: at,
		Source:    domain.SourceLocal,
	})
}

func timerKey(name string) scheduler.Key {
	return scheduler.Key{Scope: timerScope, Subject: timerSubject, Name: name}
}
