// Package feed delivers remote change notifications with graceful
// degradation: a push channel while it works, adaptive polling when it
// does not.
//
// The one forced transition is live to polling, taken after a threshold of
// consecutive channel errors. The feed keeps trying to resubscribe while
// polling; any successful subscription that follows a non-live period
// triggers a single reconciliation fetch, on the assumption that events
// were missed in between.
package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/weaveboard/synckit/internal/entity"
	"github.com/weaveboard/synckit/internal/remote"
)

// Status is the feed's delivery mode.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusSubscribing Status = "subscribing"
	StatusLive        Status = "live"
	StatusPolling     Status = "polling"
)

// Handler receives change notifications. Reconcile is called once after a
// successful (re)subscription that follows any non-live period, and on each
// poll tick; it should fetch changes since its own high-water mark.
type Handler interface {
	HandleEvent(ev remote.Event)
	Reconcile(ctx context.Context) error
}

// Config tunes the feed.
type Config struct {
	// ErrorThreshold is the consecutive channel errors that force the
	// live-to-polling degradation (default 3).
	ErrorThreshold int

	// ActiveInterval is the poll cadence while the user is recently
	// active (default 15s); IdleInterval applies otherwise (default 2m).
	ActiveInterval time.Duration
	IdleInterval   time.Duration

	// ActivityWindow is how long after the last input event the user
	// counts as active (default 5m).
	ActivityWindow time.Duration

	// ResubscribeInterval is how often a polling feed retries the push
	// channel (default 1m).
	ResubscribeInterval time.Duration

	// Logger for feed transitions.
	Logger *log.Logger
}

// DefaultConfig returns the standard feed configuration.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:      3,
		ActiveInterval:      15 * time.Second,
		IdleInterval:        2 * time.Minute,
		ActivityWindow:      5 * time.Minute,
		ResubscribeInterval: time.Minute,
	}
}

// Feed is one project's change subscription.
type Feed struct {
	cfg     Config
	channel remote.Channel
	handler Handler
	logger  *log.Logger

	mu           sync.Mutex
	status       Status
	paused       bool
	lastActivity time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates a feed over the given push channel.
func New(channel remote.Channel, handler Handler, cfg Config) *Feed {
	def := DefaultConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = def.ActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = def.ActivityWindow
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = def.ResubscribeInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[feed] ", log.LstdFlags)
	}
	return &Feed{
		cfg:     cfg,
		channel: channel,
		handler: handler,
		logger:  cfg.Logger,
		status:  StatusIdle,
	}
}

// Subscribe starts delivery for one project. Call Unsubscribe to stop.
func (f *Feed) Subscribe(ctx context.Context, projectID string, kinds []entity.Kind) {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.status = StatusSubscribing
	f.mu.Unlock()

	go f.run(runCtx, projectID, kinds)
}

// Unsubscribe stops delivery and waits for the run loop to exit.
func (f *Feed) Unsubscribe() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	f.mu.Lock()
	f.status = StatusIdle
	f.mu.Unlock()
}

// Pause suspends delivery of both live and polled notifications. The caller
// uses this around local bulk writes so its own mutations do not come back
// as "remote changes".
func (f *Feed) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

// Resume re-enables delivery.
func (f *Feed) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

// NoteActivity resets the activity timer. The caller feeds it input events;
// a recently active user gets the short poll interval.
func (f *Feed) NoteActivity() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

// Status returns the current delivery mode.
func (f *Feed) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// run is the feed's single loop: live delivery while the channel holds,
// polling once it degrades, resubscribe attempts in the background of
// polling mode.
func (f *Feed) run(ctx context.Context, projectID string, kinds []entity.Kind) {
	defer close(f.done)

	wasLive := false
	for ctx.Err() == nil {
		f.setStatus(StatusSubscribing)

		events, errs, err := f.channel.Subscribe(ctx, projectID, kinds)
		if err != nil {
			f.logger.Printf("subscribe failed: %v", err)
			f.pollUntilResubscribe(ctx)
			wasLive = false
			continue
		}

		f.setStatus(StatusLive)
		f.logger.Printf("live on project %s", projectID)

		// Anything before this point that was not live may have missed
		// events; reconcile once. The very first subscription reconciles
		// too, covering changes made while this client was offline.
		if !wasLive {
			f.reconcile(ctx)
		}
		wasLive = true

		if !f.consumeLive(ctx, events, errs) {
			return
		}
		// Channel degraded or dropped; poll, then try to resubscribe.
		f.pollUntilResubscribe(ctx)
		wasLive = false
	}
}

// consumeLive delivers events until the error threshold trips or the
// channel closes. Returns false when ctx ended.
func (f *Feed) consumeLive(ctx context.Context, events <-chan remote.Event, errs <-chan error) bool {
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return false

		case ev, ok := <-events:
			if !ok {
				f.logger.Printf("push channel closed")
				return true
			}
			consecutive = 0
			f.deliver(ev)

		case err := <-errs:
			consecutive++
			f.logger.Printf("channel error %d/%d: %v", consecutive, f.cfg.ErrorThreshold, err)
			if consecutive >= f.cfg.ErrorThreshold {
				f.logger.Printf("degrading to polling after %d consecutive errors", consecutive)
				return true
			}
		}
	}
}

// pollUntilResubscribe runs adaptive polling for one resubscribe window.
func (f *Feed) pollUntilResubscribe(ctx context.Context) {
	f.setStatus(StatusPolling)

	deadline := time.NewTimer(f.cfg.ResubscribeInterval)
	defer deadline.Stop()

	for {
		interval := f.pollInterval()
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-time.After(interval):
			f.reconcile(ctx)
		}
	}
}

// pollInterval picks the cadence from recent user activity.
func (f *Feed) pollInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastActivity) <= f.cfg.ActivityWindow {
		return f.cfg.ActiveInterval
	}
	return f.cfg.IdleInterval
}

func (f *Feed) deliver(ev remote.Event) {
	f.mu.Lock()
	paused := f.paused
	f.mu.Unlock()
	if paused {
		return
	}
	f.handler.HandleEvent(ev)
}

func (f *Feed) reconcile(ctx context.Context) {
	f.mu.Lock()
	paused := f.paused
	f.mu.Unlock()
	if paused {
		return
	}
	if err := f.handler.Reconcile(ctx); err != nil {
		f.logger.Printf("Warning: reconciliation fetch failed: %v", err)
	}
}

func (f *Feed) setStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}
