// Package idpool issues and recycles the ephemeral identities used to
// address spawned runtimes. The identity namespace is finite and nothing
// reclaims it for us, so a long-running coordinator that keeps spawning and
// retiring runtimes has to hand names back explicitly.
package idpool

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity names a runtime. Synthesized identities were minted by a Pool and
// are recycled after disconnect; external ones are discarded.
type Identity struct {
	Name        string
	BaseLabel   string
	Synthesized bool
}

// External wraps a caller-supplied runtime name. It is never returned to a
// pool's free list.
func External(name string) Identity {
	return Identity{Name: name, BaseLabel: name}
}

type acquireReq struct {
	baseLabel string
	reply     chan Identity
}

type disconnectReq struct {
	id   Identity
	done chan struct{}
}

// Pool hands out unique runtime identities and returns synthesized ones to a
// free list once their runtime has been observed to disconnect. All state is
// owned by a single goroutine; callers only ever talk to it over channels.
type Pool struct {
	bufferDelay time.Duration

	acquireCh    chan acquireReq
	disconnectCh chan disconnectReq
	requeueCh    chan Identity
	quit         chan struct{}
}

// New creates a pool. bufferDelay is how long a disconnected identity stays
// out of circulation before it may be reused; it guards against messages
// still in flight to a name that is about to be handed out again. Zero means
// immediate reuse.
func New(bufferDelay time.Duration) *Pool {
	p := &Pool{
		bufferDelay:  bufferDelay,
		acquireCh:    make(chan acquireReq),
		disconnectCh: make(chan disconnectReq),
		requeueCh:    make(chan Identity),
		quit:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Acquire returns a free previously-synthesized identity if one exists, or
// synthesizes a fresh "{short-id}-{baseLabel}" name. No two concurrently
// held identities collide.
func (p *Pool) Acquire(baseLabel string) Identity {
	req := acquireReq{baseLabel: baseLabel, reply: make(chan Identity, 1)}
	select {
	case p.acquireCh <- req:
		return <-req.reply
	case <-p.quit:
		return synthesize(baseLabel)
	}
}

// NotifyDisconnected tells the pool that the runtime addressed by id has
// gone away. Synthesized identities re-enter the free list after the buffer
// delay; external ones are discarded. Safe to call more than once; only the
// first call for a held identity schedules reuse. It returns once the pool
// has recorded the disconnect.
func (p *Pool) NotifyDisconnected(id Identity) {
	req := disconnectReq{id: id, done: make(chan struct{})}
	select {
	case p.disconnectCh <- req:
		<-req.done
	case <-p.quit:
	}
}

// Close stops the pool goroutine. Pending delayed requeues are abandoned.
func (p *Pool) Close() {
	close(p.quit)
}

func (p *Pool) run() {
	var free []Identity
	inUse := make(map[string]Identity) // synthesized identities currently held

	for {
		select {
		case req := <-p.acquireCh:
			var id Identity
			if len(free) > 0 {
				id = free[0]
				free = free[1:]
			} else {
				id = synthesize(req.baseLabel)
			}
			inUse[id.Name] = id
			req.reply <- id

		case req := <-p.disconnectCh:
			if id, ok := inUse[req.id.Name]; ok && id.Synthesized {
				delete(inUse, id.Name)
				if p.bufferDelay <= 0 {
					free = append(free, id)
				} else {
					p.scheduleRequeue(id)
				}
			} else {
				delete(inUse, req.id.Name)
			}
			close(req.done)

		case id := <-p.requeueCh:
			free = append(free, id)

		case <-p.quit:
			return
		}
	}
}

func (p *Pool) scheduleRequeue(id Identity) {
	time.AfterFunc(p.bufferDelay, func() {
		select {
		case p.requeueCh <- id:
		case <-p.quit:
		}
	})
}

func synthesize(baseLabel string) Identity {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return Identity{
		Name:        short + "-" + baseLabel,
		BaseLabel:   baseLabel,
		Synthesized: true,
	}
}
