// Package broadcast turns engine directives into frames written to one
// connection or to every connection.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/whisper/groupchat/internal/protocol"
)

// Target selects the recipients of a directive.
type Target int

const (
	All Target = iota
	One
)

// Directive is a single outbound event.
type Directive struct {
	Target  Target
	ConnID  string
	Event   string
	Payload interface{}
}

func ToAll(event string, payload interface{}) Directive {
	return Directive{Target: All, Event: event, Payload: payload}
}

func ToOne(connID, event string, payload interface{}) Directive {
	return Directive{Target: One, ConnID: connID, Event: event, Payload: payload}
}

// Transport delivers encoded frames.
type Transport interface {
	Broadcast(data []byte)
	SendMessage(connID string, data []byte) error
}

// replayDepth bounds how many recent broadcasts a catching-up connection
// can be handed.
const replayDepth = 1024

type sentFrame struct {
	seq  uint64
	data []byte
}

// Dispatcher encodes directives and hands them to a Transport. Emission is
// serialized, so every client observes one server-wide event order and the
// directives of a single Emit call are never split by another. The
// transport must not block on socket I/O while the lock is held.
type Dispatcher struct {
	mu        sync.Mutex
	transport Transport
	log       *slog.Logger

	seq    uint64      // broadcasts emitted so far
	recent []sentFrame // the last replayDepth broadcasts, oldest first
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// SetTransport wires the transport. Directives emitted before this call are
// dropped.
func (d *Dispatcher) SetTransport(t Transport) {
	d.mu.Lock()
	d.transport = t
	d.mu.Unlock()
}

// Emit delivers directives in order.
func (d *Dispatcher) Emit(directives ...Directive) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitLocked(directives)
}

// Mark returns the position of the latest broadcast. Take it before reading
// the state a Catchup carries.
func (d *Dispatcher) Mark() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Catchup is the state handed to a connection before it goes live.
type Catchup struct {
	ConnID string
	// Since is the Mark taken before State was read.
	Since uint64
	// State is delivered first.
	State []Directive
	// Latest runs under the emission lock after the replay. It must only
	// read in-memory state.
	Latest func() []Directive
}

// Snapshot delivers c.State, then every broadcast emitted after c.Since,
// then c.Latest, and runs after, with no other emission in between. A new
// connection can read slow state without holding the lock and still go
// live without missing an event.
func (d *Dispatcher) Snapshot(c Catchup, after func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emitLocked(c.State)
	d.replayLocked(c.ConnID, c.Since)
	if c.Latest != nil {
		d.emitLocked(c.Latest())
	}
	if after != nil {
		after()
	}
}

func (d *Dispatcher) replayLocked(connID string, since uint64) {
	if d.transport == nil || since >= d.seq {
		return
	}
	if len(d.recent) == 0 || d.recent[0].seq > since+1 {
		d.log.Warn("broadcast: catch-up window exceeded", "session", connID, "missed", d.seq-since)
	}
	for _, f := range d.recent {
		if f.seq <= since {
			continue
		}
		if err := d.transport.SendMessage(connID, f.data); err != nil {
			d.log.Debug("broadcast: replay failed", "session", connID, "error", err)
			return
		}
	}
}

func (d *Dispatcher) remember(data []byte) {
	d.seq++
	if len(d.recent) == replayDepth {
		copy(d.recent, d.recent[1:])
		d.recent = d.recent[:replayDepth-1]
	}
	d.recent = append(d.recent, sentFrame{seq: d.seq, data: data})
}

func (d *Dispatcher) emitLocked(directives []Directive) {
	if d.transport == nil {
		return
	}
	for _, dir := range directives {
		data, err := protocol.NewServerMessage(dir.Event, dir.Payload)
		if err != nil {
			d.log.Error("broadcast: encode failed", "event", dir.Event, "error", err)
			continue
		}
		switch dir.Target {
		case All:
			d.remember(data)
			d.transport.Broadcast(data)
		case One:
			if err := d.transport.SendMessage(dir.ConnID, data); err != nil {
				d.log.Debug("broadcast: send failed", "session", dir.ConnID, "event", dir.Event, "error", err)
			}
		}
	}
}
