package agwpe

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*
 * The TNC end of the wire, byte exact.  net.Pipe stands in for the
 * TCP connection; everything the library sends is reassembled with
 * the same receiver the library uses, which the codec tests exercise
 * separately.
 */
type mockTNC struct {
	conn   net.Conn
	frames chan *Frame
}

func newTestServer(t *testing.T, opts ServerOptions) (*Server, *mockTNC) {
	t.Helper()

	var clientSide, tncSide = net.Pipe()

	var server = NewServer(opts)
	server.attach(clientSide)
	t.Cleanup(func() { server.Close() })

	var m = &mockTNC{conn: tncSide, frames: make(chan *Frame, 256)}

	var recv = newReceiver(func(f *Frame) { m.frames <- f }, nopLogger{})

	go func() {
		var buf = make([]byte, 4096)
		for {
			var n, readErr = tncSide.Read(buf)
			if n > 0 {
				if feedErr := recv.Feed(buf[:n]); feedErr != nil {
					return
				}
			}

			if readErr != nil {
				return
			}
		}
	}()

	return server, m
}

func (m *mockTNC) send(t *testing.T, f *Frame) {
	t.Helper()

	var b, encodeErr = EncodeFrame(f)
	require.NoError(t, encodeErr)

	m.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	var _, writeErr = m.conn.Write(b)
	require.NoError(t, writeErr)
}

// expectKind returns the next frame of the wanted kind, skipping any
// of the kinds listed in skip (housekeeping queries mostly).
func (m *mockTNC) expectKind(t *testing.T, want byte, skip ...byte) *Frame {
	t.Helper()

	var deadline = time.After(5 * time.Second)

	for {
		select {
		case f := <-m.frames:
			if f.DataKind == want {
				return f
			}

			var skippable = false
			for _, k := range skip {
				if f.DataKind == k {
					skippable = true
				}
			}

			require.True(t, skippable, "unexpected frame %s while waiting for '%c'", f, want)

		case <-deadline:
			t.Fatalf("no '%c' frame arrived", want)
		}
	}
}

// quiet asserts that no frame of the given kind shows up for a
// little while.
func (m *mockTNC) quiet(t *testing.T, kind byte, d time.Duration) {
	t.Helper()

	var deadline = time.After(d)

	for {
		select {
		case f := <-m.frames:
			require.NotEqual(t, kind, f.DataKind, "frame %s arrived too early", f)

		case <-deadline:
			return
		}
	}
}

func yQueryReply(f *Frame, n uint32) *Frame {
	var data = make([]byte, 4)
	binary.LittleEndian.PutUint32(data, n)

	return &Frame{
		Port:     f.Port,
		DataKind: f.DataKind,
		PID:      PIDNone,
		CallFrom: f.CallFrom,
		CallTo:   f.CallTo,
		Data:     data,
	}
}

// answerListen plays the TNC side of a Listen: the ports reply, then
// a success for every registration.
func (m *mockTNC) answerListen(t *testing.T, portsPayload string, registrations int) {
	t.Helper()

	var g = m.expectKind(t, KindPortInfo)
	assert.Empty(t, g.Data)

	m.send(t, &Frame{DataKind: KindPortInfo, PID: PIDNone, Data: []byte(portsPayload)})

	for i := 0; i < registrations; i++ {
		var x = m.expectKind(t, KindRegister, KindPortCaps, KindPortFrames)
		m.send(t, &Frame{
			Port:     x.Port,
			DataKind: KindRegister,
			PID:      PIDNone,
			CallFrom: x.CallFrom,
			Data:     []byte{1},
		})
	}
}

/*------------------------------------------------------------------
 *
 * Scenario A: port enumeration and registration.
 *
 *---------------------------------------------------------------*/

func TestListen_PortEnumeration(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	type result struct {
		listener *Listener
		err      error
	}

	var done = make(chan result, 1)

	go func() {
		var l, listenErr = server.Listen(context.Background(), ListenOptions{Calls: []string{"N0CALL"}})
		done <- result{l, listenErr}
	}()

	var g = mock.expectKind(t, KindPortInfo)
	assert.Empty(t, g.Data)

	mock.send(t, &Frame{DataKind: KindPortInfo, PID: PIDNone, Data: []byte("2;Port1 stub;Port2 stub")})

	// One registration per advertised port, each with our call.
	var seenPorts = map[byte]bool{}
	for i := 0; i < 2; i++ {
		var x = mock.expectKind(t, KindRegister, KindPortCaps, KindPortFrames)
		assert.Equal(t, "N0CALL", x.CallFrom)
		seenPorts[x.Port] = true

		mock.send(t, &Frame{Port: x.Port, DataKind: KindRegister, PID: PIDNone, CallFrom: x.CallFrom, Data: []byte{1}})
	}

	assert.True(t, seenPorts[0])
	assert.True(t, seenPorts[1])

	var r = <-done
	require.NoError(t, r.err)
	assert.Equal(t, []string{"N0CALL"}, r.listener.Calls)
	assert.Equal(t, []int{0, 1}, r.listener.Ports)
}

/*------------------------------------------------------------------
 *
 * Scenario B: no such port.
 *
 *---------------------------------------------------------------*/

func TestListen_NoSuchPort(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var done = make(chan error, 1)

	go func() {
		var _, listenErr = server.Listen(context.Background(), ListenOptions{
			Calls: []string{"N0CALL"},
			Ports: []int{127},
		})
		done <- listenErr
	}()

	mock.expectKind(t, KindPortInfo)
	mock.send(t, &Frame{DataKind: KindPortInfo, PID: PIDNone, Data: []byte("2;Port1 stub;Port2 stub")})

	var listenErr = <-done
	require.Error(t, listenErr)
	assert.ErrorIs(t, listenErr, ErrNoSuchPort)
}

func TestListen_NoPortsAtAll(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var done = make(chan error, 1)

	go func() {
		var _, listenErr = server.Listen(context.Background(), ListenOptions{Calls: []string{"N0CALL"}})
		done <- listenErr
	}()

	mock.expectKind(t, KindPortInfo)
	mock.send(t, &Frame{DataKind: KindPortInfo, PID: PIDNone, Data: []byte("0;")})

	assert.ErrorIs(t, <-done, ErrNoSuchPort)
}

func TestListen_RegistrationRefused(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var done = make(chan error, 1)

	go func() {
		var _, listenErr = server.Listen(context.Background(), ListenOptions{
			Calls: []string{"N0CALL"},
			Ports: []int{0},
		})
		done <- listenErr
	}()

	mock.expectKind(t, KindPortInfo)
	mock.send(t, &Frame{DataKind: KindPortInfo, PID: PIDNone, Data: []byte("1;Port1 stub")})

	var x = mock.expectKind(t, KindRegister, KindPortCaps, KindPortFrames)
	mock.send(t, &Frame{Port: x.Port, DataKind: KindRegister, PID: PIDNone, CallFrom: x.CallFrom, Data: []byte{0}})

	var listenErr = <-done
	require.Error(t, listenErr)
	assert.ErrorIs(t, listenErr, ErrCallSignRejected)
	assert.Contains(t, listenErr.Error(), "N0CALL")
}

func TestListen_BadCallSign(t *testing.T) {
	var server, _ = newTestServer(t, ServerOptions{})

	var _, listenErr = server.Listen(context.Background(), ListenOptions{Calls: []string{"NOT A CALL"}})
	assert.Error(t, listenErr)
}

/*------------------------------------------------------------------
 *
 * Scenario C: inbound connect, then echo some data.
 *
 *---------------------------------------------------------------*/

func acceptOneConnection(t *testing.T, server *Server, mock *mockTNC) (*Conn, *Listener) {
	t.Helper()

	type result struct {
		listener *Listener
		err      error
	}

	var listening = make(chan result, 1)

	go func() {
		var l, listenErr = server.Listen(context.Background(), ListenOptions{Calls: []string{"N0CALL"}})
		listening <- result{l, listenErr}
	}()

	mock.answerListen(t, "1;Port1 stub", 1)

	var r = <-listening
	require.NoError(t, r.err)

	mock.send(t, &Frame{
		Port:     0,
		DataKind: KindConnect,
		PID:      PIDNone,
		CallFrom: "W1AW",
		CallTo:   "N0CALL",
		Data:     []byte("*** CONNECTED To Station W1AW\r"),
	})

	var accepted, acceptErr = r.listener.Accept()
	require.NoError(t, acceptErr)

	var conn = accepted.(*Conn)

	return conn, r.listener
}

func TestInboundConnectAndData(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var conn, _ = acceptOneConnection(t, server, mock)

	assert.Equal(t, "N0CALL on port 0", conn.LocalAddr().String())
	assert.Equal(t, "W1AW on port 0", conn.RemoteAddr().String())
	assert.Contains(t, conn.Banner(), "CONNECTED To Station W1AW")

	// Application writes a little; the coalescing timer flushes it
	// within the write delay.
	var start = time.Now()

	var _, writeErr = conn.Write([]byte("HI"))
	require.NoError(t, writeErr)

	var d = mock.expectKind(t, KindData, KindPortFrames, KindFramesWaiting)
	assert.Equal(t, []byte("HI"), d.Data)
	assert.Equal(t, byte(0), d.Port)
	assert.Equal(t, "N0CALL", d.CallFrom)
	assert.Equal(t, "W1AW", d.CallTo)
	assert.Less(t, time.Since(start), MaxWriteDelay+200*time.Millisecond)

	// And data flows the other way too.
	mock.send(t, &Frame{
		Port:     0,
		DataKind: KindData,
		PID:      PIDNone,
		CallFrom: "W1AW",
		CallTo:   "N0CALL",
		Data:     []byte("HELLO YOURSELF"),
	})

	var buf = make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var n, readErr = conn.Read(buf)
	require.NoError(t, readErr)
	assert.Equal(t, "HELLO YOURSELF", string(buf[:n]))
}

/*------------------------------------------------------------------
 *
 * Scenario D: graceful disconnect with the station ID tail.
 *
 *---------------------------------------------------------------*/

func TestGracefulDisconnectWithID(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{ID: "K1AA"})

	var conn, _ = acceptOneConnection(t, server, mock)

	var _, writeErr = conn.Write([]byte("73"))
	require.NoError(t, writeErr)

	conn.Flush()
	mock.expectKind(t, KindData, KindPortFrames, KindFramesWaiting)

	require.NoError(t, conn.Close())

	// A 'D' is still unacknowledged, so the 'd' must wait for an
	// in-flight report saying the TNC drained.
	mock.quiet(t, KindDisconnect, 300*time.Millisecond)

	mock.send(t, &Frame{
		Port:     0,
		DataKind: KindFramesWaiting,
		PID:      PIDNone,
		CallFrom: "N0CALL",
		CallTo:   "W1AW",
		Data:     []byte{0, 0, 0, 0},
	})

	var d = mock.expectKind(t, KindDisconnect, KindPortFrames, KindFramesWaiting)
	assert.Equal(t, "N0CALL", d.CallFrom)
	assert.Equal(t, "W1AW", d.CallTo)

	var id = mock.expectKind(t, KindUnproto, KindPortFrames, KindFramesWaiting)
	assert.Equal(t, "ID", id.CallTo)
	assert.Equal(t, []byte("K1AA"), id.Data)

	// The TNC confirms; the stream ends for the application.
	mock.send(t, &Frame{
		Port:     0,
		DataKind: KindDisconnect,
		PID:      PIDNone,
		CallFrom: "W1AW",
		CallTo:   "N0CALL",
		Data:     []byte("*** DISCONNECTED From Station W1AW\r"),
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var buf [16]byte
	var _, readErr = conn.Read(buf[:])
	assert.ErrorIs(t, readErr, io.EOF)
}

/*------------------------------------------------------------------
 *
 * Scenario E: flow control under a fast writer.
 *
 *---------------------------------------------------------------*/

func TestFlowControl(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{FrameLength: 128})

	var conn, _ = acceptOneConnection(t, server, mock)

	var input []byte
	for i := 0; i < 10; i++ {
		var chunk = make([]byte, 200)
		for j := range chunk {
			chunk[j] = byte(i)
		}

		input = append(input, chunk...)

		var _, writeErr = conn.Write(chunk)
		require.NoError(t, writeErr)
	}

	conn.Flush()

	var received []byte
	var sinceReply = 0
	var deadline = time.After(15 * time.Second)

	for len(received) < len(input) {
		select {
		case f := <-mock.frames:
			switch f.DataKind {
			case KindData:
				sinceReply++
				assert.LessOrEqual(t, sinceReply, MaxInFlightDefault,
					"more data frames than the in-flight limit between replies")
				assert.LessOrEqual(t, len(f.Data), 128)
				received = append(received, f.Data...)

			case KindFramesWaiting:
				// Tell it everything drained.
				sinceReply = 0
				mock.send(t, yQueryReply(f, 0))

			case KindPortFrames:
				mock.send(t, yQueryReply(f, 0))
			}

		case <-deadline:
			t.Fatalf("only %d of %d bytes arrived", len(received), len(input))
		}
	}

	// Chunk ordering is preserved byte for byte.
	assert.Equal(t, input, received)
}

/*------------------------------------------------------------------
 *
 * Scenario F: raw monitoring.
 *
 *---------------------------------------------------------------*/

func TestRawMonitor(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var raw, openErr = server.OpenRaw()
	require.NoError(t, openErr)

	// Subscribing turns raw reception on.
	mock.expectKind(t, KindRawToggle)

	var ui = &Packet{
		Type:        TypeUI,
		ToAddress:   "APRS",
		FromAddress: "W1AW-5",
		Command:     true,
		PID:         0xF0,
		Info:        []byte("!4237.14N/07120.83W-"),
	}

	var encoded, encodeErr = EncodePacket(ui)
	require.NoError(t, encodeErr)

	var payload = append([]byte{0 << 4}, encoded...)

	mock.send(t, &Frame{
		Port:     0,
		DataKind: KindRaw,
		PID:      PIDNone,
		CallFrom: "W1AW-5",
		CallTo:   "APRS",
		Data:     payload,
	})

	var packet, recvErr = raw.Recv()
	require.NoError(t, recvErr)

	assert.Equal(t, TypeUI, packet.Type)
	assert.Equal(t, "APRS", packet.ToAddress)
	assert.Equal(t, "W1AW-5", packet.FromAddress)
	assert.Equal(t, []byte("!4237.14N/07120.83W-"), packet.Info)

	// The last unsubscribe toggles reception back off.
	raw.Close()
	mock.expectKind(t, KindRawToggle)
}

func TestRawSendUI(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var raw, openErr = server.OpenRaw()
	require.NoError(t, openErr)

	mock.expectKind(t, KindRawToggle)

	require.NoError(t, raw.SendUI(0, "n0call", "beacon", nil, []byte("hello")))

	var m = mock.expectKind(t, KindUnproto, KindPortFrames)
	assert.Equal(t, "N0CALL", m.CallFrom)
	assert.Equal(t, "BEACON", m.CallTo)
	assert.Equal(t, []byte("hello"), m.Data)

	require.NoError(t, raw.SendUI(0, "N0CALL", "BEACON", []string{"wide1-1"}, []byte("x")))

	var v = mock.expectKind(t, KindUnprotoVia, KindPortFrames)
	require.GreaterOrEqual(t, len(v.Data), 11)
	assert.Equal(t, byte(1), v.Data[0])
	assert.Equal(t, "WIDE1-1", string(v.Data[1:8]))
	assert.Equal(t, byte('x'), v.Data[len(v.Data)-1])
}

/*------------------------------------------------------------------
 *
 * Outbound connections.
 *
 *---------------------------------------------------------------*/

func TestDial(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	type result struct {
		conn *Conn
		err  error
	}

	var done = make(chan result, 1)

	go func() {
		var conn, dialErr = server.Dial(context.Background(), ConnectOptions{
			LocalPort:     0,
			LocalAddress:  "n0call",
			RemoteAddress: "w1aw",
		})
		done <- result{conn, dialErr}
	}()

	mock.expectKind(t, KindPortInfo)
	mock.send(t, &Frame{DataKind: KindPortInfo, PID: PIDNone, Data: []byte("1;Port1 stub")})

	var x = mock.expectKind(t, KindRegister, KindPortCaps, KindPortFrames)
	assert.Equal(t, "N0CALL", x.CallFrom)
	mock.send(t, &Frame{Port: 0, DataKind: KindRegister, PID: PIDNone, CallFrom: "N0CALL", Data: []byte{1}})

	var c = mock.expectKind(t, KindConnect, KindPortCaps, KindPortFrames)
	assert.Equal(t, "N0CALL", c.CallFrom)
	assert.Equal(t, "W1AW", c.CallTo)

	mock.send(t, &Frame{
		Port:     0,
		DataKind: KindConnect,
		PID:      PIDNone,
		CallFrom: "W1AW",
		CallTo:   "N0CALL",
		Data:     []byte("*** CONNECTED With Station W1AW\r"),
	})

	var r = <-done
	require.NoError(t, r.err)
	assert.Equal(t, "W1AW on port 0", r.conn.RemoteAddr().String())

	// A second connection on the same triple is refused locally.
	var _, dupErr = server.Dial(context.Background(), ConnectOptions{
		LocalPort:     0,
		LocalAddress:  "N0CALL",
		RemoteAddress: "W1AW",
	})
	assert.ErrorIs(t, dupErr, ErrAddressInUse)
}

func TestDialVia(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var done = make(chan error, 1)

	go func() {
		var _, dialErr = server.Dial(context.Background(), ConnectOptions{
			LocalPort:     0,
			LocalAddress:  "N0CALL",
			RemoteAddress: "W1AW",
			Via:           []string{"WIDE1-1", "WIDE2-2"},
		})
		done <- dialErr
	}()

	mock.expectKind(t, KindPortInfo)
	mock.send(t, &Frame{DataKind: KindPortInfo, PID: PIDNone, Data: []byte("1;Port1 stub")})

	var x = mock.expectKind(t, KindRegister, KindPortCaps, KindPortFrames)
	mock.send(t, &Frame{Port: 0, DataKind: KindRegister, PID: PIDNone, CallFrom: x.CallFrom, Data: []byte{1}})

	var v = mock.expectKind(t, KindConnectVia, KindPortCaps, KindPortFrames)
	require.Len(t, v.Data, 1+10*2)
	assert.Equal(t, byte(2), v.Data[0])
	assert.Equal(t, "WIDE1-1", string(v.Data[1:8]))
	assert.Equal(t, byte(0), v.Data[10]) // trailing NUL of the field
	assert.Equal(t, "WIDE2-2", string(v.Data[11:18]))

	mock.send(t, &Frame{
		Port:     0,
		DataKind: KindConnect,
		PID:      PIDNone,
		CallFrom: "W1AW",
		CallTo:   "N0CALL",
		Data:     []byte("*** CONNECTED With Station W1AW\r"),
	})

	require.NoError(t, <-done)
}

/*------------------------------------------------------------------
 *
 * Error propagation.
 *
 *---------------------------------------------------------------*/

func TestReceiveBufferOverflow(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var conn, _ = acceptOneConnection(t, server, mock)

	// Nobody reads; stuff frames in until the buffer overruns.
	for i := 0; i < receiveQueueDepth+2; i++ {
		mock.send(t, &Frame{
			Port:     0,
			DataKind: KindData,
			PID:      PIDNone,
			CallFrom: "W1AW",
			CallTo:   "N0CALL",
			Data:     []byte("spam"),
		})
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var buf [4096]byte
	var err error
	for err == nil {
		_, err = conn.Read(buf[:])
	}

	assert.ErrorIs(t, err, ErrReceiveOverflow)
}

func TestDataAfterClose(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var conn, _ = acceptOneConnection(t, server, mock)

	require.NoError(t, conn.Close())

	mock.send(t, &Frame{
		Port:     0,
		DataKind: KindData,
		PID:      PIDNone,
		CallFrom: "W1AW",
		CallTo:   "N0CALL",
		Data:     []byte("too late"),
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var buf [16]byte
	var _, readErr = conn.Read(buf[:])
	assert.ErrorIs(t, readErr, ErrDataAfterClose)
}

func TestServerCloseCascades(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{})

	var conn, _ = acceptOneConnection(t, server, mock)

	require.NoError(t, server.Close())

	<-server.Done()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var buf [16]byte
	var _, readErr = conn.Read(buf[:])
	assert.Error(t, readErr)

	// Further listens fail immediately.
	var _, listenErr = server.Listen(context.Background(), ListenOptions{Calls: []string{"N0CALL"}})
	assert.Error(t, listenErr)
}

func TestPortCountQuirk(t *testing.T) {
	var server, mock = newTestServer(t, ServerOptions{PortCountQuirk: true})

	var done = make(chan error, 1)

	go func() {
		var _, listenErr = server.Listen(context.Background(), ListenOptions{
			Calls: []string{"N0CALL"},
			Ports: []int{3}, // beyond the advertised 2, inside the doubled 4
		})
		done <- listenErr
	}()

	mock.answerListen(t, "2;Port1 stub;Port2 stub", 1)

	require.NoError(t, <-done)
}
