// Package resource serializes access to one shared, stateful external
// session. Requests are granted strictly in arrival order and at most one
// lease is outstanding at any instant.
package resource

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/model"
)

var (
	// ErrLeaseNotHeld is returned when releasing a lease that is not the
	// current holder's.
	ErrLeaseNotHeld = eris.New("resource: lease not held")
	// ErrLeaseExpired is returned when releasing a lease that outlived the
	// maximum hold time. The release still takes effect.
	ErrLeaseExpired = eris.New("resource: lease expired")
)

// Lease is the handle granted to the single current holder. It is never
// persisted and does not survive a restart.
type Lease struct {
	ID        string
	Holder    string
	GrantedAt time.Time
	// ExpiresAt is the revocation deadline. Zero means no limit.
	ExpiresAt time.Time

	revoked bool
}

// Context returns ctx bounded by the lease deadline.
func (l *Lease) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.ExpiresAt.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, l.ExpiresAt)
}

type waiter struct {
	holder string
	grant  chan *Lease
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Held bool `json:"held"`
	// Expired is set while the current lease is past its max hold.
	Expired  bool   `json:"expired,omitempty"`
	Holder   string `json:"holder,omitempty"`
	Waiting  int    `json:"waiting"`
	Granted  int64  `json:"granted"`
	TimedOut int64  `json:"timed_out"`
	Revoked  int64  `json:"revoked"`
}

// Queue is a FIFO mutex with per-request timeouts. A waiter whose timeout
// elapses is removed without ever being granted, so it never blocks later
// entrants.
type Queue struct {
	name    string
	maxHold time.Duration

	mu      sync.Mutex
	current *Lease
	timer   *time.Timer
	waiters *list.List // of *waiter

	granted, timedOut, revoked int64

	nowFunc func() time.Time
}

// NewQueue creates a queue. A positive maxHold revokes leases held longer.
func NewQueue(name string, maxHold time.Duration) *Queue {
	return &Queue{
		name:    name,
		maxHold: maxHold,
		waiters: list.New(),
		nowFunc: time.Now,
	}
}

// Acquire blocks until the caller holds the lease, timeout elapses, or ctx
// is done. A non-positive timeout waits on ctx alone. On timeout the error
// is a *model.ResourceTimeoutError.
func (q *Queue) Acquire(ctx context.Context, holder string, timeout time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.current == nil && q.waiters.Len() == 0 {
		lease := q.grantLocked(holder)
		q.mu.Unlock()
		return lease, nil
	}
	w := &waiter{holder: holder, grant: make(chan *Lease, 1)}
	elem := q.waiters.PushBack(w)
	q.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case lease := <-w.grant:
		return lease, nil
	case <-expired:
		if lease := q.abandon(elem, w); lease != nil {
			// Granted between the timer firing and the lock; keep it.
			return lease, nil
		}
		q.mu.Lock()
		q.timedOut++
		q.mu.Unlock()
		zap.L().Debug("resource: acquire timed out",
			zap.String("queue", q.name),
			zap.String("holder", holder),
			zap.Duration("timeout", timeout),
		)
		return nil, &model.ResourceTimeoutError{Waited: timeout}
	case <-ctx.Done():
		if lease := q.abandon(elem, w); lease != nil {
			_ = q.Release(lease)
		}
		return nil, ctx.Err()
	}
}

// abandon removes w from the queue. If w was already granted, the lease is
// returned instead.
func (q *Queue) abandon(elem *list.Element, w *waiter) *Lease {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case lease := <-w.grant:
		return lease
	default:
	}
	q.waiters.Remove(elem)
	return nil
}

// Release returns the lease and hands it to the oldest waiter. Only Release
// hands the resource on; an expired lease stays current until released.
func (q *Queue) Release(lease *Lease) error {
	if lease == nil {
		return ErrLeaseNotHeld
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != lease {
		return ErrLeaseNotHeld
	}
	q.handoffLocked()
	if lease.revoked {
		return ErrLeaseExpired
	}
	return nil
}

// Stats returns counters and the current queue depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Held:     q.current != nil,
		Waiting:  q.waiters.Len(),
		Granted:  q.granted,
		TimedOut: q.timedOut,
		Revoked:  q.revoked,
	}
	if q.current != nil {
		s.Holder = q.current.Holder
		s.Expired = q.current.revoked
	}
	return s
}

func (q *Queue) grantLocked(holder string) *Lease {
	now := q.nowFunc()
	lease := &Lease{ID: uuid.NewString(), Holder: holder, GrantedAt: now}
	if q.maxHold > 0 {
		lease.ExpiresAt = now.Add(q.maxHold)
		q.timer = time.AfterFunc(q.maxHold, func() { q.revoke(lease) })
	}
	q.current = lease
	q.granted++
	return lease
}

// handoffLocked clears the current lease and grants the next waiter.
func (q *Queue) handoffLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.current = nil

	front := q.waiters.Front()
	if front == nil {
		return
	}
	w := q.waiters.Remove(front).(*waiter)
	w.grant <- q.grantLocked(w.holder)
}

// revoke marks an over-held lease expired. The holder's lease context hits
// its deadline at the same moment; the resource stays with the holder until
// it calls Release.
func (q *Queue) revoke(lease *Lease) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != lease || lease.revoked {
		return
	}
	lease.revoked = true
	q.revoked++
	zap.L().Warn("resource: lease held past max hold",
		zap.String("queue", q.name),
		zap.String("holder", lease.Holder),
		zap.Duration("max_hold", q.maxHold),
	)
}
