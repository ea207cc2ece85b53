// Package peer implements the remote peer abstraction: address, display
// name, an inbound-PDU queue drained by a dedicated worker, and the
// last-receive timestamp used for liveness checks.
package peer

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Peer is the single remote party of an established call. An endpoint
// attaches at most one Peer at a time: this is a single-call-per-peer
// design, never a conference bridge.
type Peer struct {
	logger *slog.Logger

	Addr        *net.UDPAddr
	DisplayName string

	lastReceiveMs atomic.Int64

	mu      sync.Mutex
	queue   [][]byte
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates a Peer bound to addr/displayName with an empty inbound
// queue. Run must be called to start its worker.
func New(addr *net.UDPAddr, displayName string, logger *slog.Logger) *Peer {
	return &Peer{
		logger:      logger.With("subsystem", "peer", "peer", displayName),
		Addr:        addr,
		DisplayName: displayName,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Enqueue appends a raw PDU datagram to the inbound queue and wakes the
// worker, also updating lastReceiveMs used by the channel's liveness
// check.
func (p *Peer) Enqueue(raw []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, raw)
	p.mu.Unlock()
	p.lastReceiveMs.Store(time.Now().UnixMilli())

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// IdleMs returns how many milliseconds have passed since the last
// enqueue.
func (p *Peer) IdleMs() int64 {
	last := p.lastReceiveMs.Load()
	if last == 0 {
		return 0
	}
	return time.Now().UnixMilli() - last
}

func (p *Peer) drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	drained := p.queue
	p.queue = nil
	return drained
}

// Run starts the worker loop: wait for notification, drain the queue,
// hand each datagram to onArrival in arrival order, until Stop is
// called. Intended to run in its own goroutine.
func (p *Peer) Run(onArrival func(raw []byte)) {
	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
			for _, raw := range p.drain() {
				onArrival(raw)
			}
		}
	}
}

// Stop signals the worker to exit. Safe to call more than once.
func (p *Peer) Stop() {
	p.once.Do(func() { close(p.done) })
}
