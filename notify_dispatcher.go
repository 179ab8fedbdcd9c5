package authcore

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// notifyDispatcher delivers notifications asynchronously so mail transport
// latency never sits on a login or reset path. A token-bucket limiter caps
// outbound volume; notifications over the limit are dropped and counted,
// which bounds the damage of a reset-request flood.
type notifyDispatcher struct {
	notifier Notifier
	limiter  *rate.Limiter
	ch       chan Notification
	done     chan struct{}
	wg       sync.WaitGroup
	dropped  atomic.Uint64
	failed   atomic.Uint64
	closed   atomic.Bool
	once     sync.Once
}

func newNotifyDispatcher(cfg NotifyConfig, notifier Notifier) *notifyDispatcher {
	if notifier == nil {
		notifier = NoOpNotifier{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	d := &notifyDispatcher{
		notifier: notifier,
		ch:       make(chan Notification, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *notifyDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case n := <-d.ch:
			d.deliver(n)
		case <-d.done:
			for {
				select {
				case n := <-d.ch:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *notifyDispatcher) deliver(n Notification) {
	if d.limiter != nil && !d.limiter.Allow() {
		d.dropped.Add(1)
		return
	}
	if err := d.notifier.Send(context.Background(), n); err != nil {
		d.failed.Add(1)
	}
}

// Send is fire-and-forget: a full buffer drops the notification rather
// than blocking the caller.
func (d *notifyDispatcher) Send(n Notification) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- n:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

func (d *notifyDispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *notifyDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *notifyDispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
