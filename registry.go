package eventnet

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
)

// registry owns the local subscriptions.
type registry struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	clock  clockwork.Clock
	sched  Scheduler

	lk      sync.Mutex
	closed  bool
	byEvent map[string]map[string]*subscription
	byID    map[string]*subscription
}

func newRegistry(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label, clock clockwork.Clock, sched Scheduler) *registry {
	return &registry{
		logger:  logger,
		msink:   msink,
		labels:  labels,
		clock:   clock,
		sched:   sched,
		byEvent: make(map[string]map[string]*subscription),
		byID:    make(map[string]*subscription),
	}
}

func (r *registry) subscribe(event string, ttl time.Duration, handler Handler, persistent bool) (string, error) {
	if event == "" {
		return "", invalidArg("eventName", "must be a non-empty string")
	}
	if handler == nil {
		return "", invalidArg("handler", "must be a function")
	}
	if ttl < 0 {
		return "", invalidArg("ttl", "must be a positive duration")
	}

	sub := &subscription{
		id:         uuid.NewString(),
		event:      event,
		handler:    handler,
		persistent: persistent,
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	if ttl > 0 {
		sub.expiresAt = r.clock.Now().Add(ttl)
		sub.ttlTimer = r.clock.AfterFunc(ttl, func() {
			if r.remove(sub) {
				r.logger.Debug("subscription expired", LabelSubID.L(sub.id), LabelEventName.L(event))
			}
		})
	}

	subs, ok := r.byEvent[event]
	if !ok {
		subs = make(map[string]*subscription)
		r.byEvent[event] = subs
	}
	subs[sub.id] = sub
	r.byID[sub.id] = sub
	r.reportSizeLocked()

	return sub.id, nil
}

func (r *registry) unsubscribe(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: malformed id %q", ErrNoSuchSubscription, id)
	}

	r.lk.Lock()
	sub, ok := r.byID[id]
	r.lk.Unlock()
	if !ok || !r.remove(sub) {
		return fmt.Errorf("%w: %s", ErrNoSuchSubscription, id)
	}
	return nil
}

// remove `sub` if it is still registered, it reports whether it was.
func (r *registry) remove(sub *subscription) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	if !r.detachLocked(sub) {
		return false
	}
	sub.cancel()
	return true
}

func (r *registry) detachLocked(sub *subscription) bool {
	if cur, ok := r.byID[sub.id]; !ok || cur != sub {
		return false
	}
	delete(r.byID, sub.id)
	if subs, ok := r.byEvent[sub.event]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(r.byEvent, sub.event)
		}
	}
	r.reportSizeLocked()
	return true
}

// dispatch schedules an invocation per current subscriber of `event` and
// returns how many were scheduled.
func (r *registry) dispatch(event string, args Args) int {
	now := r.clock.Now()

	r.lk.Lock()
	subs := r.byEvent[event]
	scheduled := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.expired(now) {
			r.detachLocked(sub)
			sub.cancel()
			continue
		}
		if !sub.persistent {
			// consumed now, so a concurrent dispatch cannot pick it again.
			r.detachLocked(sub)
			if sub.ttlTimer != nil {
				sub.ttlTimer.Stop()
			}
		}
		scheduled = append(scheduled, sub)
	}
	r.lk.Unlock()

	for _, sub := range scheduled {
		r.sched.Submit(func() {
			r.invoke(sub, args)
		})
	}
	return len(scheduled)
}

func (r *registry) invoke(sub *subscription, args Args) {
	if sub.cancelled.Load() {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.msink.IncrCounterWithLabels(
				MetricHandlerPanicCount,
				1.0,
				withLabels(r.labels, LabelEventName.M(sub.event)),
			)
			r.logger.Error(
				"handler panicked",
				LabelEventName.L(sub.event),
				LabelSubID.L(sub.id),
				LabelError.L(rec),
			)
		}
	}()

	sub.handler(args)
}

func (r *registry) size() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.byID)
}

// close cancels every subscription, pending invocations included.
func (r *registry) close() {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, sub := range r.byID {
		sub.cancel()
	}
	r.byID = make(map[string]*subscription)
	r.byEvent = make(map[string]map[string]*subscription)
	r.reportSizeLocked()
}

func (r *registry) reportSizeLocked() {
	r.msink.SetGaugeWithLabels(MetricSubscriptionCount, float32(len(r.byID)), r.labels)
}
