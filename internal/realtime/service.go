// Package realtime wires a Transport to the delivery tracker, the typing
// engine and the presence manager, and fans their updates out to sinks.
//
// It is the only place that reacts to connection-state changes and the only
// place that decodes inbound socket events. A malformed or panicking inbound
// event is logged and dropped; it never reaches the caller.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat_realtime/internal/delivery"
	"chat_realtime/internal/domain"
	"chat_realtime/internal/eventlog"
	"chat_realtime/internal/feed"
	"chat_realtime/internal/presence"
	"chat_realtime/internal/scheduler"
	"chat_realtime/internal/transport"
	"chat_realtime/internal/typing"

	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyStarted = errors.New("realtime service already started")
	ErrClosed         = errors.New("realtime service closed")
)

type DeliverySink interface {
	PublishDelivery(ctx context.Context, u domain.MessageDeliveryUpdate) error
}

type TypingSink interface {
	PublishTyping(ctx context.Context, u domain.TypingUpdate) error
}

type PresenceSink interface {
	PublishPresence(ctx context.Context, u domain.PresenceUpdate) error
}

// Sinks receive every outward update, in order, each through its own
// unbounded queue so a slow sink delays nobody else. A failing sink is
// logged and skipped.
type Sinks struct {
	Delivery []DeliverySink
	Typing   []TypingSink
	Presence []PresenceSink
}

type Options struct {
	// ResendQueuedOnReconnect retries LocalQueued messages when the socket
	// comes back.
	ResendQueuedOnReconnect bool
	SinkTimeout             time.Duration
	// UpdateBuffer is the default size of buffered subscriptions such as
	// Incoming.
	UpdateBuffer int
}

type Deps struct {
	Transport transport.Transport
	Session   domain.Session
	Directory domain.ContactDirectory
	Scheduler *scheduler.Scheduler
	Events    *eventlog.Log

	Delivery delivery.Config
	Typing   typing.Config
	Presence presence.Config
	Options  Options
	Sinks    Sinks
}

type ServiceStats struct {
	Connected bool              `json:"connected"`
	StartedAt time.Time         `json:"started_at"`
	Delivery  delivery.Stats    `json:"delivery"`
	Typing    typing.Stats      `json:"typing"`
	Presence  presence.Stats    `json:"presence"`
	Counters  map[string]uint64 `json:"counters"`
	Dropped   DroppedStats      `json:"dropped_updates"`
}

// DroppedStats counts updates each feed could not hand to a slow buffered
// subscriber. Sinks are never among them.
type DroppedStats struct {
	Delivery uint64 `json:"delivery"`
	Typing   uint64 `json:"typing"`
	Presence uint64 `json:"presence"`
	Incoming uint64 `json:"incoming"`
}

type Service struct {
	transport transport.Transport
	session   domain.Session
	sched     *scheduler.Scheduler
	events    *eventlog.Log
	log       *eventlog.Feature
	opts      Options
	sinks     Sinks

	tracker  *delivery.Tracker
	typing   *typing.Engine
	presence *presence.Manager
	incoming *feed.Feed[domain.IncomingMessage]

	mu        sync.Mutex
	started   bool
	closed    bool
	startedAt time.Time
	cancel    context.CancelFunc
	unfollow  []func()
	wg        sync.WaitGroup
}

func NewService(d Deps) (*Service, error) {
	if d.Transport == nil {
		return nil, errors.New("realtime: transport is required")
	}
	if d.Session == nil {
		return nil, errors.New("realtime: session is required")
	}
	if d.Scheduler == nil {
		d.Scheduler = scheduler.New(nil)
	}
	if d.Events == nil {
		d.Events = eventlog.New(nil)
	}
	if d.Options.SinkTimeout <= 0 {
		d.Options.SinkTimeout = 5 * time.Second
	}
	if d.Options.UpdateBuffer <= 0 {
		d.Options.UpdateBuffer = feed.DefaultBuffer
	}

	pm, err := presence.NewManager(d.Presence, d.Transport, d.Session, d.Directory, d.Scheduler, d.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence manager: %w", err)
	}
	s := &Service{
		transport: d.Transport,
		session:   d.Session,
		sched:     d.Scheduler,
		events:    d.Events,
		log:       d.Events.For(eventlog.FeatureRealtime),
		opts:      d.Options,
		sinks:     d.Sinks,
		tracker:   delivery.NewTracker(d.Delivery, d.Transport, d.Session, d.Scheduler, d.Events),
		typing:    typing.NewEngine(d.Typing, d.Transport, d.Session, d.Scheduler, d.Events),
		presence:  pm,
		incoming:  feed.New[domain.IncomingMessage](),
	}
	s.register()
	return s, nil
}

func (s *Service) register() {
	s.transport.On(domain.EventMessageAck, s.handle(domain.EventMessageAck, s.onAck))
	s.transport.On(domain.EventReceiptDelivered, s.handle(domain.EventReceiptDelivered, s.onDelivered))
	s.transport.On(domain.EventReceiptRead, s.handle(domain.EventReceiptRead, s.onRead))
	s.transport.On(domain.EventPresenceUpdate, s.handle(domain.EventPresenceUpdate, s.onPresence))
	s.transport.On(domain.EventTyping, s.handle(domain.EventTyping, s.onTyping))
	s.transport.On(domain.EventMessageNew, s.handle(domain.EventMessageNew, s.onMessage))
}

// handle wraps an inbound handler so errors and panics are logged and the
// event dropped.
func (s *Service) handle(event string, fn func(json.RawMessage) error) transport.Handler {
	return func(raw json.RawMessage) {
		fields := logrus.Fields{"wire_event": event}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler_panic", fmt.Errorf("%v", r), fields)
			}
		}()
		if s.isClosed() {
			s.log.Event("dropped_closed", fields)
			return
		}
		if err := fn(raw); err != nil {
			s.log.Warn("dropped", err, fields)
			return
		}
		s.log.Event("inbound", fields)
	}
}

type validator interface {
	Validate() error
}

func decode[T validator](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}

func (s *Service) onAck(raw json.RawMessage) error {
	p, err := decode[domain.AckPayload](raw)
	if err != nil {
		return err
	}
	s.tracker.HandleServerAck(p.MessageID)
	return nil
}

func (s *Service) onDelivered(raw json.RawMessage) error {
	p, err := decode[domain.ReceiptPayload](raw)
	if err != nil {
		return err
	}
	s.tracker.HandleDeliveryConfirmation(p.MessageID)
	return nil
}

func (s *Service) onRead(raw json.RawMessage) error {
	p, err := decode[domain.ReceiptPayload](raw)
	if err != nil {
		return err
	}
	s.tracker.HandleReadReceipt(p.MessageID)
	return nil
}

func (s *Service) onPresence(raw json.RawMessage) error {
	p, err := decode[domain.PresencePayload](raw)
	if err != nil {
		return err
	}
	s.presence.HandlePeerPresence(p)
	return nil
}

func (s *Service) onTyping(raw json.RawMessage) error {
	p, err := decode[domain.TypingPayload](raw)
	if err != nil {
		return err
	}
	s.typing.HandleIncomingTypingIndicator(p.ConversationID, p.FromUserID, p.IsTyping)
	return nil
}

func (s *Service) onMessage(raw json.RawMessage) error {
	p, err := decode[domain.MessageSendPayload](raw)
	if err != nil {
		return err
	}
	if self, ok := s.session.CurrentUserID(); ok && self == p.FromUserID {
		s.log.Event("own_echo", logrus.Fields{"message_id": p.MessageID})
		return nil
	}
	s.incoming.Publish(domain.IncomingMessage{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		FromUserID:     p.FromUserID,
		ToUserIDs:      p.ToUserIDs,
		Body:           p.Body,
		SentAt:         domain.FromUnixMilli(p.Timestamp),
		ReceivedAt:     s.sched.Now(),
		Metadata:       p.Metadata,
	})
	s.tracker.SendDeliveryReceipt(p.MessageID, p.FromUserID)
	return nil
}

// Start follows connection changes and the app lifecycle, forwards updates
// to sinks and announces the user online. It returns immediately; Close
// stops everything.
func (s *Service) Start(ctx context.Context, lifecycle presence.LifecycleSource) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = s.sched.Now()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.presence.Initialize(ctx, lifecycle); err != nil {
		cancel()
		return fmt.Errorf("failed to initialize presence: %w", err)
	}

	states, stopStates := s.transport.ConnectionState()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopStates()
		for {
			select {
			case <-ctx.Done():
				return
			case connected, ok := <-states:
				if !ok {
					return
				}
				s.onConnectionChange(connected)
			}
		}
	}()

	// Sinks outlive ctx so Close can flush the final updates; SinkTimeout
	// still bounds every call.
	sinkCtx := context.WithoutCancel(ctx)
	var unfollow []func()
	for _, sink := range s.sinks.Delivery {
		ch, stop := s.tracker.AllUpdates()
		unfollow = append(unfollow, stop)
		follow(&s.wg, ch, func(u domain.MessageDeliveryUpdate) {
			s.publish(sinkCtx, "delivery", func(c context.Context) error { return sink.PublishDelivery(c, u) })
		})
	}
	for _, sink := range s.sinks.Typing {
		ch, stop := s.typing.AllUpdates()
		unfollow = append(unfollow, stop)
		follow(&s.wg, ch, func(u domain.TypingUpdate) {
			s.publish(sinkCtx, "typing", func(c context.Context) error { return sink.PublishTyping(c, u) })
		})
	}
	for _, sink := range s.sinks.Presence {
		ch, stop := s.presence.AllUpdates()
		unfollow = append(unfollow, stop)
		follow(&s.wg, ch, func(u domain.PresenceUpdate) {
			s.publish(sinkCtx, "presence", func(c context.Context) error { return sink.PublishPresence(c, u) })
		})
	}
	own, stopOwn := s.presence.AllUpdates()
	unfollow = append(unfollow, stopOwn)
	follow(&s.wg, own, func(u domain.PresenceUpdate) {
		if u.Source == domain.SourceLocal && !u.IsOnline {
			s.typing.StopAll()
		}
	})

	s.mu.Lock()
	closed := s.closed
	s.unfollow = unfollow
	s.mu.Unlock()
	if closed {
		for _, stop := range unfollow {
			stop()
		}
		return ErrClosed
	}

	s.presence.HandleLifecycle(presence.LifecycleResumed)
	s.log.Info("started", logrus.Fields{"connected": s.transport.IsConnected()})
	return nil
}

// follow hands every value from ch to fn until ch closes.
func follow[T any](wg *sync.WaitGroup, ch <-chan T, fn func(T)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := range ch {
			fn(v)
		}
	}()
}

func (s *Service) publish(ctx context.Context, kind string, fn func(context.Context) error) {
	c, cancel := context.WithTimeout(ctx, s.opts.SinkTimeout)
	defer cancel()
	if err := fn(c); err != nil {
		s.log.Warn("sink_failed", err, logrus.Fields{"kind": kind})
	}
}

func (s *Service) onConnectionChange(connected bool) {
	if !connected {
		s.log.Warn("disconnected", nil, nil)
		s.presence.HandleTransportDisconnect()
		return
	}
	s.log.Info("reconnected", nil)
	s.presence.HandleTransportReconnect()
	if !s.opts.ResendQueuedOnReconnect {
		return
	}
	for _, id := range s.tracker.Queued() {
		if s.tracker.Retry(id) {
			s.log.Event("resent", logrus.Fields{"message_id": id})
		}
	}
}

// SendMessage hands msg to the delivery tracker.
func (s *Service) SendMessage(msg domain.OutgoingMessage) bool {
	if s.isClosed() {
		return false
	}
	return s.tracker.Send(msg)
}

func (s *Service) MessageState(messageID string) (domain.MessageTransportState, bool) {
	return s.tracker.GetState(messageID)
}

func (s *Service) MarkRead(messageID, toUserID string) bool {
	return s.tracker.SendReadReceipt(messageID, toUserID)
}

func (s *Service) TextInput(conversationID string, toUserIDs []string) bool {
	if s.isClosed() {
		return false
	}
	return s.typing.OnTextInput(conversationID, toUserIDs)
}

func (s *Service) StopTyping(conversationID string) bool {
	return s.typing.StopTyping(conversationID)
}

func (s *Service) ForcePresence(online bool) {
	s.presence.ForcePresenceUpdate(online)
}

// Incoming subscribes to messages arriving from peers. A non-positive
// buffer uses Options.UpdateBuffer.
func (s *Service) Incoming(buffer int) (<-chan domain.IncomingMessage, func()) {
	if buffer <= 0 {
		buffer = s.opts.UpdateBuffer
	}
	return s.incoming.Subscribe(buffer)
}

func (s *Service) Delivery() *delivery.Tracker { return s.tracker }

func (s *Service) Typing() *typing.Engine { return s.typing }

func (s *Service) Presence() *presence.Manager { return s.presence }

func (s *Service) Events() *eventlog.Log { return s.events }

// Stats is the aggregated diagnostics view of every manager.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()
	return ServiceStats{
		Connected: s.transport.IsConnected(),
		StartedAt: startedAt,
		Delivery:  s.tracker.GetStats(),
		Typing:    s.typing.Stats(),
		Presence:  s.presence.Stats(),
		Counters:  s.events.Counters(),
		Dropped: DroppedStats{
			Delivery: s.tracker.DroppedUpdates(),
			Typing:   s.typing.DroppedUpdates(),
			Presence: s.presence.DroppedUpdates(),
			Incoming: s.incoming.Dropped(),
		},
	}
}

// Close stops typing, announces offline and drops tracked messages. It then
// waits until every sink has received the updates queued before it.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	unfollow := s.unfollow
	s.mu.Unlock()

	s.typing.StopAll()
	s.presence.Dispose()
	s.tracker.Reset()
	for _, stop := range unfollow {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.incoming.Close()
	s.log.Info("closed", nil)
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
