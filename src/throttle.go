package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Pace outbound frames so the TNC's transmit queue
 *		stays bounded.
 *
 * Description:	The TNC accepts frames faster than the radio can send
 *		them.  Before disconnecting from another station, and
 *		when sending bulk data, we want to know how much is
 *		still waiting, so we ask with 'y' (whole port) or 'Y'
 *		(one connection) and hold queued frames whenever the
 *		count of data-bearing frames reaches maxInFlight.
 *
 *		Two kinds of item sit in the buffer: frames, and
 *		deferred functions that run when everything queued
 *		ahead of them has been handed to the sender.  The
 *		disconnect sequence is built out of those.
 *
 *---------------------------------------------------------------*/

import (
	"encoding/binary"
	"sync"
	"time"
)

const (
	// MaxInFlightDefault bounds the data-bearing frames the TNC has
	// accepted but not yet transmitted.
	MaxInFlightDefault = 8

	// While blocked on the in-flight limit, ask the TNC for the
	// current count this often.
	inFlightPollInterval = 2 * time.Second
)

// A throttleItem is either a frame or a deferred function.
type throttleItem struct {
	frame *Frame
	fn    func()
}

// frameSender is what a throttle needs from the shared sender.
type frameSender interface {
	Send(f *Frame) bool
	full() bool
	notifyNotFull(fn func())
}

type throttle struct {
	mu          sync.Mutex
	sender      frameSender
	inFlight    int
	minInFlight int
	maxInFlight int
	buffer      []throttleItem
	pollTimer   *time.Timer
	polling     bool
	destroyed   bool
	draining    bool
	redrain     bool

	// queryFrame builds the 'y' or 'Y' in-flight question.
	queryFrame func() *Frame

	log Logger
}

func (t *throttle) init(sender frameSender, queryFrame func() *Frame, log Logger) {
	t.sender = sender
	t.queryFrame = queryFrame
	t.maxInFlight = MaxInFlightDefault
	t.log = log
}

/*-------------------------------------------------------------------
 *
 * Name:        write / writeFn
 *
 * Purpose:     Append an item to the buffer and try to drain.
 *
 *--------------------------------------------------------------------*/

func (t *throttle) write(f *Frame) {
	t.mu.Lock()
	t.buffer = append(t.buffer, throttleItem{frame: f})
	t.mu.Unlock()

	t.drain()
}

func (t *throttle) writeFn(fn func()) {
	t.mu.Lock()
	t.buffer = append(t.buffer, throttleItem{fn: fn})
	t.mu.Unlock()

	t.drain()
}

/*-------------------------------------------------------------------
 *
 * Name:        updateInFlight
 *
 * Purpose:     Process a 'y' or 'Y' reply.
 *
 * Description:	minInFlight tracks the smallest count observed; the
 *		disconnect sequence uses it as the almost-drained
 *		watermark.
 *
 *--------------------------------------------------------------------*/

func (t *throttle) updateInFlight(f *Frame) {
	if len(f.Data) < 4 {
		t.log.Warnf("'%c' reply with %d byte payload ignored", f.DataKind, len(f.Data))

		return
	}

	var n = int(binary.LittleEndian.Uint32(f.Data))

	t.mu.Lock()

	t.inFlight = n
	if n < t.minInFlight {
		t.minInFlight = n
	}

	t.mu.Unlock()

	t.drain()
}

/*-------------------------------------------------------------------
 *
 * Name:        drain
 *
 * Purpose:     Move items from the buffer to the sender until
 *		something blocks.
 *
 * Description:	A deferred function runs as soon as it reaches the
 *		head.  A frame waits for the sender to have room and
 *		for inFlight < maxInFlight, whether or not it is
 *		data-bearing; only data-bearing frames add to
 *		inFlight.  Half way to the limit an in-flight query goes out so
 *		the reply arrives before we block.
 *
 *--------------------------------------------------------------------*/

func (t *throttle) drain() {
	t.mu.Lock()

	// Nothing goes out after destroy.
	if t.destroyed {
		t.buffer = nil
		t.mu.Unlock()

		return
	}

	// Only one drainer at a time, or frames could pass each other
	// between dropping the lock and reaching the sender.
	if t.draining {
		t.redrain = true
		t.mu.Unlock()

		return
	}
	t.draining = true

	for {
		t.redrain = false

		for len(t.buffer) > 0 {
			var head = t.buffer[0]

			if head.fn != nil {
				t.buffer = t.buffer[1:]
				t.mu.Unlock()
				head.fn()
				t.mu.Lock()

				continue
			}

			if t.sender.full() {
				t.draining = false
				t.mu.Unlock()
				t.sender.notifyNotFull(t.drain)

				return
			}

			if t.inFlight >= t.maxInFlight {
				t.startPolling()
				t.draining = false
				t.mu.Unlock()

				return
			}

			t.buffer = t.buffer[1:]

			var frame = head.frame
			var needQuery = false

			if frame.isDataBearing() {
				t.inFlight++
				needQuery = t.inFlight == t.maxInFlight/2
			}

			t.stopPolling()
			t.mu.Unlock()

			var accepted = t.sender.Send(frame)
			if needQuery && accepted {
				// Look ahead so the count is fresh by the time
				// we would otherwise block.
				t.sender.Send(t.queryFrame())
			}

			t.mu.Lock()
		}

		if !t.redrain {
			break
		}
	}

	t.draining = false
	t.mu.Unlock()
}

/* Polling runs only while blocked on the in-flight limit. */

func (t *throttle) startPolling() {
	if t.polling || t.destroyed {
		return
	}

	t.polling = true
	t.pollTimer = time.AfterFunc(inFlightPollInterval, t.pollTick)
}

func (t *throttle) stopPolling() {
	if !t.polling {
		return
	}

	t.polling = false

	if t.pollTimer != nil {
		t.pollTimer.Stop()
		t.pollTimer = nil
	}
}

func (t *throttle) pollTick() {
	t.mu.Lock()

	if !t.polling || t.destroyed {
		t.mu.Unlock()

		return
	}

	t.pollTimer = time.AfterFunc(inFlightPollInterval, t.pollTick)
	t.mu.Unlock()

	t.sender.Send(t.queryFrame())
}

// destroy stops the poller and drops anything still buffered.
func (t *throttle) destroy() {
	t.mu.Lock()

	t.destroyed = true
	t.stopPolling()
	t.buffer = nil

	t.mu.Unlock()
}

/*------------------------------------------------------------------
 *
 * Port throttle: one per TNC port.  Owns the connection router for
 * that port; everything that is not an in-flight or capability reply
 * is handed to it.
 *
 *---------------------------------------------------------------*/

type portThrottle struct {
	throttle
	port  byte
	conns *connRouter
}

func newPortThrottle(port byte, sender frameSender, server *Server, log Logger) *portThrottle {
	var p = &portThrottle{port: port}

	p.init(sender, func() *Frame {
		return &Frame{Port: port, DataKind: KindPortFrames, PID: PIDNone}
	}, log)

	p.conns = newConnRouter(p, server, log)

	return p
}

func (p *portThrottle) handleFrame(f *Frame) {
	switch f.DataKind {
	case KindPortCaps:
		// Capability reply.  Nothing in here we act on.

	case KindPortFrames:
		p.updateInFlight(f)

	default:
		p.conns.route(f)
	}
}
