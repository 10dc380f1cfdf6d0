package eventnet

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/raskyld/eventnet/pkg/wire"
)

// Args are the positional arguments an event was fired with.
type Args = wire.Args

// Handler is invoked with the arguments of every matching event.
type Handler func(args Args)

type subscription struct {
	id         string
	event      string
	handler    Handler
	persistent bool

	// zero when the subscription has no TTL.
	expiresAt time.Time
	ttlTimer  clockwork.Timer

	// set when removed by an unsubscribe, a TTL or a shutdown, so already
	// scheduled invocations are skipped.
	cancelled atomic.Bool
}

func (sub *subscription) expired(now time.Time) bool {
	return !sub.expiresAt.IsZero() && !now.Before(sub.expiresAt)
}

func (sub *subscription) cancel() {
	sub.cancelled.Store(true)
	if sub.ttlTimer != nil {
		sub.ttlTimer.Stop()
	}
}
