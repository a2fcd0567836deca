package presence

import (
	"fmt"

	"chat_realtime/internal/feed"
)

// LifecycleState is the application's foreground/background state.
type LifecycleState int

const (
	LifecycleResumed LifecycleState = iota
	LifecyclePaused
	LifecycleTerminated
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleResumed:
		return "resumed"
	case LifecyclePaused:
		return "paused"
	case LifecycleTerminated:
		return "terminated"
	}
	return fmt.Sprintf("lifecycle(%d)", int(s))
}

// LifecycleSource streams application lifecycle transitions.
type LifecycleSource interface {
	Lifecycle() (<-chan LifecycleState, func())
}

// ManualLifecycle is a LifecycleSource driven by explicit calls, used by
// headless processes (signals) and tests.
type ManualLifecycle struct {
	states *feed.Feed[LifecycleState]
}

func NewManualLifecycle() *ManualLifecycle {
	return &ManualLifecycle{states: feed.New[LifecycleState]()}
}

func (l *ManualLifecycle) Lifecycle() (<-chan LifecycleState, func()) {
	return l.states.Subscribe(8)
}

// Set publishes a transition to every subscriber.
func (l *ManualLifecycle) Set(state LifecycleState) {
	l.states.Publish(state)
}

func (l *ManualLifecycle) Close() {
	l.states.Close()
}
