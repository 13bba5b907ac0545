package chat

import (
	"log/slog"
	"sync/atomic"
)

// Notifier decides nothing: the caller has already established that the batch
// is live and the room inactive by the time Notify runs.
type Notifier interface {
	Notify(roomID string)
}

// Sound plays the audible notification cue.
type Sound interface {
	Play()
}

type SoundFunc func()

func (f SoundFunc) Play() { f() }

// Badge is the platform badge counter.
type Badge interface {
	Add(n int)
}

// CounterBadge is the default Badge: a process-local counter the UI can poll.
type CounterBadge struct {
	n atomic.Int64
}

func (b *CounterBadge) Add(n int) {
	b.n.Add(int64(n))
}

func (b *CounterBadge) Count() int {
	return int(b.n.Load())
}

// Trigger fires the notification side effects for one live batch: a single
// sound cue and a badge increment of one, regardless of batch size.
type Trigger struct {
	sound  Sound
	badge  Badge
	logger *slog.Logger
}

type TriggerOption func(*Trigger)

func WithSound(sound Sound) TriggerOption {
	return func(t *Trigger) {
		t.sound = sound
	}
}

func WithBadge(badge Badge) TriggerOption {
	return func(t *Trigger) {
		t.badge = badge
	}
}

func NewTrigger(opts ...TriggerOption) *Trigger {
	t := &Trigger{
		sound:  SoundFunc(func() {}),
		badge:  &CounterBadge{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Trigger) Notify(roomID string) {
	t.sound.Play()
	t.badge.Add(1)
	t.logger.Debug("notification fired", slog.String("room.id", roomID))
}
