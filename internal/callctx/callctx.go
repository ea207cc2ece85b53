// Package callctx implements the per-call context: sequence counters,
// fixed call numbers, and the transport-facing send/receive helpers that
// turn raw PDU bytes into call-scoped frames.
package callctx

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kryptofon/kryptofon/internal/pdu"
)

// Sender is the minimal transport dependency a Call needs to emit a PDU:
// the datagram channel, already bound to one remote peer.
type Sender interface {
	Send(frame []byte) error
}

// Call is the per-call sequence/timing state shared by the voice sender
// and the PDU arrival path. One Call exists per established call; it is
// created on ACCEPT success and discarded on BYE or liveness timeout.
type Call struct {
	mu sync.Mutex

	id string

	outSeq byte
	inSeq  byte

	startMs        int64
	established    bool
	firstVoiceSeen bool

	nextDueTs uint64
}

// New creates a Call with sequence counters and timestamps zeroed and a
// fresh call id; Start is called separately once the call reaches
// ESTABLISHED.
func New() *Call {
	return &Call{id: uuid.NewString()}
}

// ID returns this call's unique id, used to correlate log lines and the
// call-history record for a single call across its lifetime.
func (c *Call) ID() string {
	return c.id
}

// Start resets the start timestamp and outbound PDU clock to "now",
// called when the call transitions into ESTABLISHED.
func (c *Call) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startMs = time.Now().UnixMilli()
	c.nextDueTs = 0
	c.established = true
	c.firstVoiceSeen = false
}

// Stop marks the call no longer established, used on BYE/teardown.
func (c *Call) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.established = false
}

// Established reports whether the call is currently in ESTABLISHED.
func (c *Call) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// nextOut post-increments the outbound sequence counter mod 256.
func (c *Call) nextOut() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.outSeq
	c.outSeq++
	return v
}

// currentIn returns the last-advanced inbound sequence counter.
func (c *Call) currentIn() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSeq
}

// NextDueTimestamp returns the next outbound PDU's monotonically
// increasing timestamp and advances it by the 20ms frame interval,
// matching the voice sender's "nextDueTs starts at call start,
// increments by 20" rule.
func (c *Call) NextDueTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.nextDueTs
	c.nextDueTs += 20
	return ts
}

// AdvanceInbound advances the inbound sequence counter and reports true
// only when the arriving frame's outbound sequence equals the currently
// expected inbound value. There is no reordering buffer: a frame whose
// out_seq does not match is dropped outright, not delivered out of
// order, so the caller must treat a false return as a discard.
func (c *Call) AdvanceInbound(frameOutSeq byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if frameOutSeq == c.inSeq {
		c.inSeq++
		return true
	}
	return false
}

// FirstVoiceReceived reports and then latches whether this is the first
// inbound voice PDU of the call, used by the controller to stop local
// ringback on first inbound audio.
func (c *Call) FirstVoiceReceived() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := !c.firstVoiceSeen
	c.firstVoiceSeen = true
	return first
}

// SendVoicePDU builds and transmits a VOICE PDU carrying sample, encoded
// under subclass, stamped with the call's next due timestamp.
func SendVoicePDU(c *Call, sender Sender, subclass pdu.Subclass, sample []byte) error {
	ts := c.NextDueTimestamp()
	frame := pdu.Encode(c.nextOut(), c.currentIn(), ts, pdu.TypeVoice, subclass, sample)
	return sender.Send(frame)
}

// HandleArrival parses raw as a PDU and dispatches it to onVoice only if
// it carries this implementation's fixed call numbers, type VOICE, and
// the expected next inbound sequence number; everything else (parse
// failure, call number mismatch, unknown type, out-of-order sequence)
// is reported via onOther (caller decides whether to log-and-drop).
func HandleArrival(c *Call, raw []byte, onVoice func(timestamp uint64, sample []byte), onOther func(p *pdu.PDU, reason string)) {
	p, err := pdu.Parse(raw)
	if err != nil {
		if onOther != nil {
			onOther(nil, err.Error())
		}
		return
	}
	if !p.IsOurs() {
		if onOther != nil {
			onOther(p, "call number mismatch")
		}
		return
	}
	if !c.AdvanceInbound(p.OutSeq) {
		if onOther != nil {
			onOther(p, "sequence mismatch")
		}
		return
	}

	switch p.Type {
	case pdu.TypeVoice:
		if onVoice != nil {
			onVoice(p.Timestamp, p.Payload)
		}
	default:
		if onOther != nil {
			onOther(p, "unknown pdu type")
		}
	}
}
