package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	One connected mode AX.25 session, presented to the
 *		application as an ordinary bidirectional byte stream.
 *
 * Description:	Writes go to the frame assembler, which feeds the
 *		connection throttle.  Inbound 'D' frames queue on the
 *		readable side; 'd' ends the stream.  Implements
 *		net.Conn so existing protocol code can run over it.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

/* Inbound 'D' frames held for the application before overflow. */
const receiveQueueDepth = 32

// AX25Addr is the address of one end of a session.
type AX25Addr struct {
	Call string
	Port byte
}

func (a AX25Addr) Network() string { return "ax25" }

func (a AX25Addr) String() string {
	return fmt.Sprintf("%s on port %d", a.Call, a.Port)
}

type Conn struct {
	th     *connThrottle
	asm    *assembler
	server *Server

	mu           sync.Mutex
	readQueue    chan []byte
	readRest     []byte
	readErr      error
	eof          bool
	closedLocal  bool
	connected    bool
	connectedCh  chan struct{}
	done         chan struct{}
	doneOnce     sync.Once
	banner       []byte
	readDeadline time.Time
}

var _ net.Conn = (*Conn)(nil)

func newConn(th *connThrottle, server *Server) *Conn {
	var c = &Conn{
		th:          th,
		server:      server,
		readQueue:   make(chan []byte, receiveQueueDepth),
		connectedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}

	c.asm = newAssembler(func(payload []byte) {
		th.write(&Frame{
			Port:     th.key.port,
			DataKind: KindData,
			PID:      PIDNone,
			CallFrom: th.key.localCall,
			CallTo:   th.key.remoteCall,
			Data:     payload,
		})
	}, server.opts.FrameLength)
	th.conn = c

	return c
}

func (c *Conn) LocalAddr() net.Addr {
	return AX25Addr{Call: c.th.key.localCall, Port: c.th.key.port}
}

func (c *Conn) RemoteAddr() net.Addr {
	return AX25Addr{Call: c.th.key.remoteCall, Port: c.th.key.port}
}

// Banner is the text the TNC attached to the connected event, e.g.
// "*** CONNECTED To Station W1AW".
func (c *Conn) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return string(c.banner)
}

/*-------------------------------------------------------------------
 *
 * Name:        Read
 *
 * Purpose:     Deliver received bytes in arrival order.
 *
 * Returns:	io.EOF once the session has disconnected and all
 *		queued data was consumed.  A protocol or transport
 *		error is sticky.
 *
 *--------------------------------------------------------------------*/

func (c *Conn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()

		if len(c.readRest) > 0 {
			var n = copy(p, c.readRest)
			c.readRest = c.readRest[n:]
			c.mu.Unlock()

			return n, nil
		}

		var deadline = c.readDeadline
		c.mu.Unlock()

		// Drain queued frames before reporting the end.
		select {
		case data := <-c.readQueue:
			c.mu.Lock()
			c.readRest = data
			c.mu.Unlock()

			continue
		default:
		}

		c.mu.Lock()
		if c.readErr != nil {
			var err = c.readErr
			c.mu.Unlock()

			return 0, err
		}

		if c.eof {
			c.mu.Unlock()

			return 0, io.EOF
		}
		c.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			var d = time.Until(deadline)
			if d <= 0 {
				return 0, os.ErrDeadlineExceeded
			}

			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case data := <-c.readQueue:
			c.mu.Lock()
			c.readRest = data
			c.mu.Unlock()

		case <-c.done:
			// Loop around to drain anything still queued.

		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        Write
 *
 * Purpose:     Accept application bytes for the remote station.
 *
 * Description:	Never blocks; the assembler and throttles below pace
 *		actual transmission.  Bytes are delivered in written
 *		order.
 *
 *--------------------------------------------------------------------*/

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()

	if c.closedLocal || c.eof {
		c.mu.Unlock()

		return 0, ErrConnClosed
	}

	c.mu.Unlock()

	c.asm.write(p)

	return len(p), nil
}

// Flush pushes any coalescing buffer out without waiting for the
// write delay timer.
func (c *Conn) Flush() {
	c.asm.flush()
}

/*-------------------------------------------------------------------
 *
 * Name:        Close
 *
 * Purpose:     Graceful disconnect.
 *
 * Description:	Flushes buffered writes, then queues the disconnect
 *		sequence behind them.  Data accepted before Close is
 *		transmitted before the disconnect takes effect.  The
 *		session object lives until the TNC confirms with its
 *		'd' event.
 *
 *--------------------------------------------------------------------*/

func (c *Conn) Close() error {
	c.mu.Lock()

	if c.closedLocal {
		c.mu.Unlock()

		return nil
	}
	c.closedLocal = true

	c.mu.Unlock()

	c.asm.close()
	c.th.end()

	return nil
}

// Destroy is the unconditional teardown: pending writes are dropped
// and the router entry removed immediately.
func (c *Conn) Destroy() {
	c.mu.Lock()
	c.closedLocal = true
	c.eof = true
	c.mu.Unlock()

	c.th.destroy()

	if c.th.router != nil {
		c.th.router.remove(c.th.key)
	}

	c.finish()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()

	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error {
	return nil /* writes never block */
}

/*------------------------------------------------------------------
 *
 * Inbound side, called by the connection throttle.
 *
 *---------------------------------------------------------------*/

func (c *Conn) handleFrame(f *Frame) {
	switch f.DataKind {
	case KindData:
		c.handleData(f)

	case KindConnect:
		c.mu.Lock()
		c.banner = f.Data
		var already = c.connected
		c.connected = true
		c.mu.Unlock()

		if !already {
			close(c.connectedCh)
		}
	}
}

func (c *Conn) handleData(f *Frame) {
	c.mu.Lock()
	var closed = c.closedLocal
	c.mu.Unlock()

	if closed {
		c.setErr(ErrDataAfterClose)

		return
	}

	select {
	case c.readQueue <- f.Data:
	default:
		// The application is not keeping up and another frame
		// arrived.  There is nowhere to put it.
		c.setErr(ErrReceiveOverflow)
	}
}

// handleDisconnect processes the 'd' event.  After this the stream
// never again produces data.
func (c *Conn) handleDisconnect(*Frame) {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()

	c.asm.close()
	c.finish()
}

// shutdown fans a server-level failure out to this session.
func (c *Conn) shutdown(err error) {
	if err != nil {
		c.setErr(err)
	} else {
		c.mu.Lock()
		c.eof = true
		c.mu.Unlock()
	}

	c.asm.close()
	c.finish()
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()

	if c.readErr == nil {
		c.readErr = err
	}

	c.mu.Unlock()
	c.finish()
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// waitConnected blocks a dialer until the TNC confirms the link.
func (c *Conn) waitConnected(cancel <-chan struct{}) error {
	select {
	case <-c.connectedCh:
		return nil

	case <-c.done:
		c.mu.Lock()
		var err = c.readErr
		c.mu.Unlock()

		if err == nil {
			err = ErrConnClosed
		}

		return err

	case <-cancel:
		c.Destroy()

		return fmt.Errorf("connect to %s: canceled", c.th.key.remoteCall)
	}
}
