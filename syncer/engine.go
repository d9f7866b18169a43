// Package syncer drains the outbox against the remote store. One drain pass
// runs at a time for the whole queue, and each entry has at most one attempt
// in flight, so a retry can never race its own earlier attempt.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmacedo/courier/bus"
	"github.com/tmacedo/courier/outbox"
	"github.com/tmacedo/courier/remote"
	"github.com/tmacedo/courier/status"
	"github.com/tmacedo/courier/store"
	"go.uber.org/zap"
)

// Options tunes the drain loop. Zero values fall back to defaults.
type Options struct {
	Interval       time.Duration // periodic drain cadence, default 10s
	MaxAttempts    int           // delivery attempts per entry, default 5
	BackoffCap     time.Duration // ceiling for the retry delay, default 16s
	AttemptTimeout time.Duration // per-attempt deadline, default 5s
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 16 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 5 * time.Second
	}
	return o
}

// Engine moves queue entries through the outbox state machine. Drains run on
// a timer, on Kick, and on reconnect of the remote link.
type Engine struct {
	db      *store.DB
	machine *outbox.Machine
	remote  remote.Store
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	draining atomic.Bool
	kick     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a sync engine. Call machine.BindDrain(e.Kick) so fresh
// enqueues and manual retries trigger an immediate pass.
func New(db *store.DB, machine *outbox.Machine, rs remote.Store, b *bus.Bus, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		db:      db,
		machine: machine,
		remote:  rs,
		bus:     b,
		logger:  logger,
		opts:    opts.withDefaults(),
		kick:    make(chan struct{}, 1),
	}
}

// Kick requests an immediate drain. Non-blocking; a pending kick is enough,
// the next pass sweeps everything due.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start begins the drain loop. The status subscription is registered before
// Start returns, so a reconnect right after startup is never missed.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	statusCh, unsub := e.bus.Subscribe("status.", 16)
	e.wg.Add(1)
	go e.loop(ctx, statusCh, unsub)
}

// Stop stops the drain loop and waits for an in-progress pass to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context, statusCh <-chan bus.Event, unsub func()) {
	defer e.wg.Done()
	defer unsub()

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.DrainOnce(ctx)
		case <-e.kick:
			e.DrainOnce(ctx)
		case evt := <-statusCh:
			if change, ok := evt.Payload.(status.Change); ok && change.To == status.Online {
				e.DrainOnce(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// DrainOnce runs a single drain pass: every PENDING entry whose backoff has
// elapsed gets one delivery attempt, oldest first. A second concurrent call
// returns immediately; entries enqueued mid-pass are swept by the next one.
func (e *Engine) DrainOnce(ctx context.Context) {
	if !e.draining.CompareAndSwap(false, true) {
		return
	}
	defer e.draining.Store(false)

	entries, err := e.db.DueOutbox(time.Now().UnixMilli(), e.opts.MaxAttempts)
	if err != nil {
		e.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	e.bus.Publish(bus.Event{Kind: bus.KindSyncState, Payload: bus.SyncState{State: "syncing"}})
	defer e.bus.Publish(bus.Event{Kind: bus.KindSyncState, Payload: bus.SyncState{State: "idle"}})

	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		e.attempt(ctx, &entries[i])
	}
}

func (e *Engine) attempt(ctx context.Context, entry *store.QueuedEntry) {
	if err := e.machine.MarkSending(entry.LocalID); err != nil {
		e.logger.Error("failed to mark sending", zap.Error(err), zap.String("local_id", entry.LocalID))
		return
	}

	actx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	err := e.remote.Put(actx, entry.Message.RoomID, entry.Message.MsgID, &entry.Message)
	cancel()

	if err == nil {
		if err := e.machine.MarkSent(entry.LocalID, entry.Message.RoomID, entry.Message.MsgID); err != nil {
			e.logger.Error("failed to mark sent", zap.Error(err), zap.String("local_id", entry.LocalID))
			return
		}
		e.logger.Info("message delivered",
			zap.String("local_id", entry.LocalID),
			zap.String("msg_id", entry.Message.MsgID),
			zap.Int("attempt", entry.RetryCount+1))
		return
	}

	retries := entry.RetryCount + 1
	if retries >= e.opts.MaxAttempts {
		e.logger.Error("delivery failed permanently",
			zap.Error(err),
			zap.String("local_id", entry.LocalID),
			zap.Int("attempts", retries))
		if err := e.machine.MarkFailed(entry.LocalID, entry.Message.RoomID, retries, err.Error()); err != nil {
			e.logger.Error("failed to mark failed", zap.Error(err), zap.String("local_id", entry.LocalID))
		}
		return
	}

	delay := Backoff(retries, e.opts.BackoffCap)
	if !remote.IsTransient(err) {
		// Permanent rejections still burn the budget; log them louder.
		e.logger.Error("delivery rejected, will retry", zap.Error(err), zap.String("local_id", entry.LocalID))
	} else {
		e.logger.Warn("delivery attempt failed",
			zap.Error(err),
			zap.String("local_id", entry.LocalID),
			zap.Int("retry", retries),
			zap.Duration("next_in", delay))
	}
	nextAt := time.Now().Add(delay).UnixMilli()
	if err := e.machine.MarkRetryScheduled(entry.LocalID, retries, nextAt, err); err != nil {
		e.logger.Error("failed to schedule retry", zap.Error(err), zap.String("local_id", entry.LocalID))
	}
}

// Backoff returns the delay before retry n (n >= 1): 1s, 2s, 4s, 8s, 16s,
// capped.
func Backoff(n int, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		n = 30
	}
	d := time.Duration(1<<uint(n-1)) * time.Second
	if d > max {
		d = max
	}
	return d
}
