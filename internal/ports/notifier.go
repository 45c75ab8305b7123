package ports

import (
	"context"
	"time"
)

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventSuspended EventKind = "suspended"
	EventResumed   EventKind = "resumed"
	EventCompleted EventKind = "completed"
	EventStopped   EventKind = "stopped"
	EventAborted   EventKind = "aborted"
)

type Event struct {
	Kind       EventKind
	Session    string
	Group      string
	Message    string
	TotalAdded int
	At         time.Time
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
