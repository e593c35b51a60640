package callstate

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tetrixcorps/voicecore/internal/domain"
)

// actorIdleTTL is how long a call actor with an empty inbox survives before
// it retires. A later event for the same call simply spawns a fresh actor.
const actorIdleTTL = 5 * time.Minute

// Dispatcher fans events out to one actor goroutine per call id. Events for
// the same call are applied strictly one at a time; events for different
// calls run concurrently. Each actor drains its inbox in batches and applies
// the batch in sequence order, so a burst that arrives out of order is
// reordered before it touches the session.
type Dispatcher struct {
	machine *Machine
	timeout time.Duration
	idleTTL time.Duration

	mu     sync.Mutex
	actors map[string]*callActor
	closed bool
}

type callActor struct {
	inbox chan envelope
}

type envelope struct {
	ev    domain.NormalizedEvent
	reply chan result
}

type result struct {
	doc string
	err error
}

// NewDispatcher creates a dispatcher routing events through the machine.
// timeout bounds how long a single Submit may wait for its document.
func NewDispatcher(machine *Machine, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		machine: machine,
		timeout: timeout,
		idleTTL: actorIdleTTL,
		actors:  make(map[string]*callActor),
	}
}

// Submit hands an event to the call's actor and waits for the resulting
// control document. A timeout yields domain.ErrProviderTimeout; the event
// itself still gets applied by the actor.
func (d *Dispatcher) Submit(ctx context.Context, ev domain.NormalizedEvent) (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", domain.ErrSessionEnded
	}
	actor, ok := d.actors[ev.CallID]
	if !ok {
		actor = &callActor{inbox: make(chan envelope, 64)}
		d.actors[ev.CallID] = actor
		go d.run(ev.CallID, actor)
	}

	// The enqueue happens under the lock so an idle actor cannot retire
	// between the map lookup and the send. A full inbox means the actor is
	// busy and nowhere near retirement, so the blocking send outside the
	// lock cannot race it.
	reply := make(chan result, 1)
	env := envelope{ev: ev, reply: reply}
	select {
	case actor.inbox <- env:
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		select {
		case actor.inbox <- env:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res.doc, res.err
	case <-timer.C:
		log.Printf("WARN: dispatch timed out for call %s event %s", ev.CallID, ev.Type)
		return "", domain.ErrProviderTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// run is the actor loop for one call id.
func (d *Dispatcher) run(callID string, actor *callActor) {
	idle := time.NewTimer(d.idleTTL)
	defer idle.Stop()

	for {
		select {
		case first := <-actor.inbox:
			batch := []envelope{first}
			// Drain whatever else has already arrived so the batch can be
			// reordered before application.
		drain:
			for {
				select {
				case next := <-actor.inbox:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			d.applyBatch(batch)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTTL)

		case <-idle.C:
			d.mu.Lock()
			// Re-check under the lock: Submit may have enqueued between the
			// timer firing and us retiring the actor.
			if len(actor.inbox) > 0 {
				d.mu.Unlock()
				idle.Reset(d.idleTTL)
				continue
			}
			delete(d.actors, callID)
			d.mu.Unlock()
			return
		}
	}
}

// applyBatch sorts pending events by sequence and applies them in order.
// Termination events naturally carry the highest sequence of a burst, so an
// out-of-order hangup is applied last and everything after it is moot.
func (d *Dispatcher) applyBatch(batch []envelope) {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].ev.Seq < batch[j].ev.Seq
	})
	for _, env := range batch {
		// Detached context: a submitter that already gave up must not abort
		// the state change its event carries.
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		doc, err := d.machine.Apply(ctx, env.ev)
		cancel()
		env.reply <- result{doc: doc, err: err}
	}
}

// Close stops accepting new events. In-flight actors finish their current
// batches and retire on their own.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
