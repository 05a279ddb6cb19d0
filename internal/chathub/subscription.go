package chathub

import (
	"confidant/backend/internal/storage"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Subscription is a live push stream started by Channel.Subscribe or MatcherService.WatchRoom.
// Unsubscribe may be called any number of times, from any goroutine, including from inside the
// callback itself. It does not wait: a callback that already passed the closed check may still
// be running. UnsubscribeAndWait also waits for that callback, so it must not be called from
// the callback or while holding a lock the callback takes.
type Subscription struct {
	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// refreshFunc re-reads storage after an event and delivers through the subscription.
// Returning false ends the subscription.
type refreshFunc func(ctx context.Context, sub *Subscription) bool

// startSubscription runs refresh once, then after every feed event and every resync tick.
// A resync of zero relies on events alone.
func startSubscription(ctx context.Context, feed storage.Feed, resync time.Duration, log *slog.Logger, refresh refreshFunc) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go sub.run(ctx, feed, resync, log, refresh)
	return sub
}

func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
}

// UnsubscribeAndWait cancels the subscription and returns once no callback runs or will run.
func (s *Subscription) UnsubscribeAndWait() {
	s.Unsubscribe()
	<-s.done
}

// Done is closed when the subscription goroutine has exited and its feed is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// deliver runs fn unless the subscription was cancelled.
func (s *Subscription) deliver(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	fn()
	return true
}

func (s *Subscription) run(ctx context.Context, feed storage.Feed, resync time.Duration, log *slog.Logger, refresh refreshFunc) {
	defer close(s.done)
	defer func() {
		if err := feed.Close(); err != nil {
			log.Debug("Feed close failed", "error", err)
		}
	}()
	defer s.Unsubscribe()

	// The feed was opened before this first read, so nothing written after it is missed.
	if !refresh(ctx, s) {
		return
	}

	// Brokers may lose events (a Redis reconnect does not replay), so the state is also
	// re-read on a timer.
	var tickC <-chan time.Time
	if resync > 0 {
		ticker := time.NewTicker(resync)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
			if !refresh(ctx, s) {
				return
			}
		case _, ok := <-feed.Events():
			if !ok {
				log.Debug("Feed closed by broker")
				return
			}
			drain(feed)
			if !refresh(ctx, s) {
				return
			}
		}
	}
}

// drain coalesces queued invalidation events into the refresh that follows.
func drain(feed storage.Feed) {
	for {
		select {
		case _, ok := <-feed.Events():
			if !ok {
				return
			}
		default:
			return
		}
	}
}
