package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Top level client for one TNC.
 *
 * Description:	Owns the TCP socket and everything that shares it:
 *		one receiver, one sender, the port router, the list of
 *		ports the TNC advertised, and the registrations of our
 *		call signs.  Listen accepts inbound sessions, Dial
 *		starts outbound ones, OpenRaw taps the monitor stream.
 *
 *		The TNC can serve many sessions over this single
 *		socket, so nothing here ever ends the sender on behalf
 *		of one session; only closing the server does.
 *
 * References:	AGWPE TCP/IP API Tutorial
 *		http://uz7ho.org.ua/includes/agwpeapi.htm
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8000
)

// ServerOptions configures the attachment to one TNC.
type ServerOptions struct {
	// Host and Port of the TNC's AGWPE service.
	Host string
	Port int

	// FrameLength is the most payload bytes put in a single 'D'
	// frame.  Oversize values cause some TNC implementations to
	// tear down the TCP connection.
	FrameLength int

	// ID, when set, is transmitted as a final unproto frame to
	// "ID" when each connection closes.
	ID string

	// Logger receives diagnostics.  nil disables logging.
	Logger Logger

	// PortCountQuirk works around a TNC variant that reports half
	// the port numbers it accepts: the advertised count is doubled
	// when checking a requested port number.
	PortCountQuirk bool
}

type regKey struct {
	port byte
	call string
}

type Server struct {
	opts ServerOptions
	log  Logger

	mu          sync.Mutex
	conn        net.Conn
	sender      *Sender
	router      *portRouter
	portCount   int  /* -1 until the 'G' reply */
	portWaiters []chan struct{}
	registered  map[regKey]bool
	pending     map[regKey][]chan error
	inbound     chan *Conn
	closed      bool
	err         error
	closeCh     chan struct{}
}

func NewServer(opts ServerOptions) *Server {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}

	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	if opts.FrameLength <= 0 {
		opts.FrameLength = DefaultFrameLength
	}

	var s = &Server{
		opts:       opts,
		log:        ensureLogger(opts.Logger),
		portCount:  -1,
		registered: make(map[regKey]bool),
		pending:    make(map[regKey][]chan error),
		inbound:    make(chan *Conn, 8),
		closeCh:    make(chan struct{}),
	}

	return s
}

/*-------------------------------------------------------------------
 *
 * Name:        ensureOpen
 *
 * Purpose:     Attach to the TNC if not already attached.
 *
 * Description:	Starts the goroutine which listens for messages from
 *		the TNC and dispatches them through the routers.  A
 *		read or framing error tears the whole server down;
 *		the byte stream is positional, so after a decoding
 *		fault the framing is lost for everyone.
 *
 *--------------------------------------------------------------------*/

func (s *Server) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closedErr()
	}

	if s.conn != nil {
		return nil
	}

	var address = net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	var conn, dialErr = net.Dial("tcp", address)
	if dialErr != nil {
		return dialErr
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	s.log.Infof("attached to TNC at %s", address)

	s.attachLocked(conn)

	return nil
}

// attach wires an already open socket.  The tests use this with an
// in-process pipe standing in for the TNC.
func (s *Server) attach(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return
	}

	s.attachLocked(conn)
}

func (s *Server) attachLocked(conn net.Conn) {
	s.conn = conn
	s.router = newPortRouter(s, s.log)
	s.sender = newSender(conn, s.teardown, s.log)

	var receiver = newReceiver(s.router.route, s.log)

	go func() {
		var runErr = receiver.run(conn)
		s.teardown(runErr)
	}()
}

func (s *Server) closedErr() error {
	if s.err != nil {
		return s.err
	}

	return ErrServerClosed
}

/*-------------------------------------------------------------------
 *
 * Name:        Listen
 *
 * Purpose:     Accept inbound connections to our call signs.
 *
 * Inputs:	opts.Calls	- One or more local call signs.
 *
 *		opts.Ports	- Optional subset of TNC ports.  All
 *				  advertised ports when empty.
 *
 * Description:	Ask the TNC what ports it has, then register every
 *		(port, call sign) pair.  The TNC only hands us
 *		connect requests for registered call signs.
 *
 * Errors:	Bad call signs; ENOENT when the TNC has no such port,
 *		or no ports at all; EACCES when a registration is
 *		refused.
 *
 *--------------------------------------------------------------------*/

type ListenOptions struct {
	Calls []string
	Ports []int
}

func (s *Server) Listen(ctx context.Context, opts ListenOptions) (*Listener, error) {
	if len(opts.Calls) == 0 {
		return nil, fmt.Errorf("listen needs at least one call sign")
	}

	var calls = make([]string, len(opts.Calls))
	for i, c := range opts.Calls {
		var call, validErr = ValidateCallSign(c)
		if validErr != nil {
			return nil, validErr
		}

		calls[i] = call
	}

	if openErr := s.ensureOpen(); openErr != nil {
		return nil, openErr
	}

	var count, portsErr = s.askPortCount(ctx)
	if portsErr != nil {
		return nil, portsErr
	}

	var ports = opts.Ports
	if len(ports) == 0 {
		ports = make([]int, count)
		for i := range ports {
			ports[i] = i
		}
	} else {
		for _, p := range ports {
			if !s.validPort(p, count) {
				return nil, noSuchPortError(p)
			}
		}
	}

	for _, p := range ports {
		for _, call := range calls {
			if regErr := s.register(ctx, byte(p), call); regErr != nil {
				return nil, regErr
			}
		}
	}

	s.log.Infof("listening as %s on port(s) %v", strings.Join(calls, ","), ports)

	return &Listener{server: s, Calls: calls, Ports: ports}, nil
}

/*-------------------------------------------------------------------
 *
 * Name:        askPortCount
 *
 * Purpose:     Learn how many ports the TNC has.
 *
 * Description:	Sends 'G' and waits for the reply if the answer is
 *		not already known.  A TNC with no ports is useless to
 *		us: ENOENT.
 *
 *--------------------------------------------------------------------*/

func (s *Server) askPortCount(ctx context.Context) (int, error) {
	s.mu.Lock()

	if s.portCount >= 0 {
		var count = s.portCount
		s.mu.Unlock()

		if count == 0 {
			return 0, fmt.Errorf("%w: the TNC advertised no ports", ErrNoSuchPort)
		}

		return count, nil
	}

	var wait = make(chan struct{})
	s.portWaiters = append(s.portWaiters, wait)
	s.mu.Unlock()

	s.sender.Send(&Frame{DataKind: KindPortInfo, PID: PIDNone})

	select {
	case <-wait:

	case <-s.closeCh:
		s.mu.Lock()
		var err = s.closedErr()
		s.mu.Unlock()

		return 0, err

	case <-ctx.Done():
		return 0, ctx.Err()
	}

	s.mu.Lock()
	var count = s.portCount
	s.mu.Unlock()

	if count <= 0 {
		return 0, fmt.Errorf("%w: the TNC advertised no ports", ErrNoSuchPort)
	}

	return count, nil
}

func (s *Server) validPort(p int, count int) bool {
	if p < 0 || p > 255 {
		return false
	}

	if s.opts.PortCountQuirk {
		// One TNC variant reports half of the ports it accepts.
		count *= 2
	}

	return p < count
}

/*-------------------------------------------------------------------
 *
 * Name:        register
 *
 * Purpose:     Register one call sign on one port.
 *
 * Description:	Sends 'X' and waits for the reply: first payload byte
 *		1 for success, 0 for failure.  Failure is EACCES with
 *		the attempted call sign.  Registrations are remembered
 *		so a call sign is not registered twice.
 *
 *--------------------------------------------------------------------*/

func (s *Server) register(ctx context.Context, port byte, call string) error {
	var key = regKey{port: port, call: call}

	s.mu.Lock()

	if s.registered[key] {
		s.mu.Unlock()

		return nil
	}

	var wait = make(chan error, 1)
	s.pending[key] = append(s.pending[key], wait)
	s.mu.Unlock()

	s.sender.Send(&Frame{
		Port:     port,
		DataKind: KindRegister,
		PID:      PIDNone,
		CallFrom: call,
	})

	select {
	case regErr := <-wait:
		return regErr

	case <-s.closeCh:
		s.mu.Lock()
		var err = s.closedErr()
		s.mu.Unlock()

		return err

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) unregister(port byte, call string) {
	var key = regKey{port: port, call: call}

	s.mu.Lock()
	var was = s.registered[key]
	delete(s.registered, key)
	s.mu.Unlock()

	if was {
		s.sender.Send(&Frame{
			Port:     port,
			DataKind: KindUnregister,
			PID:      PIDNone,
			CallFrom: call,
		})
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        Dial
 *
 * Purpose:     Start an outbound AX.25 session.
 *
 * Description:	Registers the local call sign if needed, then sends
 *		'C', or 'v' when a digipeater path was given, and
 *		waits for the TNC to confirm the link.
 *
 *--------------------------------------------------------------------*/

type ConnectOptions struct {
	LocalPort     int
	LocalAddress  string
	RemoteAddress string
	Via           []string
}

func (s *Server) Dial(ctx context.Context, opts ConnectOptions) (*Conn, error) {
	var local, localErr = ValidateCallSign(opts.LocalAddress)
	if localErr != nil {
		return nil, localErr
	}

	var remote, remoteErr = ValidateCallSign(opts.RemoteAddress)
	if remoteErr != nil {
		return nil, remoteErr
	}

	var viaPayload []byte
	if len(opts.Via) > 0 {
		var viaErr error
		viaPayload, viaErr = encodeViaPath(opts.Via)
		if viaErr != nil {
			return nil, viaErr
		}
	}

	if openErr := s.ensureOpen(); openErr != nil {
		return nil, openErr
	}

	var count, portsErr = s.askPortCount(ctx)
	if portsErr != nil {
		return nil, portsErr
	}

	if !s.validPort(opts.LocalPort, count) {
		return nil, noSuchPortError(opts.LocalPort)
	}

	var port = byte(opts.LocalPort)

	if regErr := s.register(ctx, port, local); regErr != nil {
		return nil, regErr
	}

	var client = s.router.client(port)

	var key = makeConnKey(port, local, remote)

	var th, outErr = client.conns.newOutbound(key)
	if outErr != nil {
		return nil, outErr
	}

	var conn = newConn(th, s)

	if viaPayload == nil {
		th.write(&Frame{
			Port:     port,
			DataKind: KindConnect,
			PID:      PIDNone,
			CallFrom: local,
			CallTo:   remote,
		})
	} else {
		th.write(&Frame{
			Port:     port,
			DataKind: KindConnectVia,
			PID:      PIDNone,
			CallFrom: local,
			CallTo:   remote,
			Data:     viaPayload,
		})
	}

	var cancel = ctx.Done()
	if waitErr := conn.waitConnected(cancel); waitErr != nil {
		return nil, waitErr
	}

	s.log.Infof("connected %s", key)

	return conn, nil
}

// OpenRaw returns a socket receiving every frame the TNC hears, in
// raw AX.25 form.
func (s *Server) OpenRaw() (*RawSocket, error) {
	if openErr := s.ensureOpen(); openErr != nil {
		return nil, openErr
	}

	var rs = newRawSocket(s)
	s.router.subscribeRaw(rs)

	return rs, nil
}

// routeOut sends an outbound frame through the pacing of its port.
func (s *Server) routeOut(port byte, f *Frame) {
	s.mu.Lock()
	var router = s.router
	s.mu.Unlock()

	if router == nil {
		return
	}

	router.client(port).write(f)
}

/*------------------------------------------------------------------
 *
 * Replies owned by the server, handed up by the port router.
 *
 *---------------------------------------------------------------*/

/*-------------------------------------------------------------------
 *
 * Name:        handlePortInfo
 *
 * Purpose:     Process the 'G' ports reply.
 *
 * Description:	Payload is ASCII "N;desc1;desc2;...".  Sets the known
 *		port list to 0..N-1, asks each port for its
 *		capabilities, and unblocks anything waiting to listen.
 *
 *--------------------------------------------------------------------*/

func (s *Server) handlePortInfo(f *Frame) {
	var fields = strings.Split(string(f.Data), ";")

	var count, convErr = strconv.Atoi(strings.TrimSpace(fields[0]))
	if convErr != nil || count < 0 {
		s.log.Errorf("unintelligible ports reply %q", f.Data)
		count = 0
	}

	s.mu.Lock()

	s.portCount = count
	var waiters = s.portWaiters
	s.portWaiters = nil

	s.mu.Unlock()

	s.log.Debugf("TNC has %d radio port(s) available", count)

	for p := 0; p < count && p <= 255; p++ {
		s.sender.Send(&Frame{Port: byte(p), DataKind: KindPortCaps, PID: PIDNone})
	}

	for _, w := range waiters {
		close(w)
	}
}

func (s *Server) handleRegistration(f *Frame) {
	var call = strings.ToUpper(f.CallFrom)
	var key = regKey{port: f.Port, call: call}

	var ok = len(f.Data) > 0 && f.Data[0] == 1

	s.mu.Lock()

	if ok {
		s.registered[key] = true
	}

	var waiters = s.pending[key]
	delete(s.pending, key)

	s.mu.Unlock()

	var result error
	if !ok {
		result = registrationError(call)
	}

	if len(waiters) == 0 {
		if !ok {
			s.log.Errorf("TNC refused call sign %s on port %d", call, f.Port)
		}

		return
	}

	for _, w := range waiters {
		w <- result
	}
}

// offerConn hands an inbound session to whoever is accepting.  When
// nobody is, it stays queued; the TNC holds the link meanwhile.
func (s *Server) offerConn(conn *Conn) {
	select {
	case s.inbound <- conn:

	case <-s.closeCh:
		conn.Destroy()
	}
}

// noteStray records a frame no router entry matched.
func (s *Server) noteStray(f *Frame) {
	s.log.Debugf("stray frame %s discarded", f)
}

/*-------------------------------------------------------------------
 *
 * Name:        Close / teardown
 *
 * Purpose:     Detach from the TNC.
 *
 * Description:	Closing the socket cascades: the receiver stops, the
 *		port router destroys every client, and every session
 *		wakes with the error (or a plain end when there was
 *		none).
 *
 *--------------------------------------------------------------------*/

func (s *Server) Close() error {
	s.teardown(nil)

	return nil
}

// Err reports why the server shut down, if it has.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.closeCh
}

func (s *Server) teardown(err error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}

	s.closed = true
	s.err = err

	var conn = s.conn
	var sender = s.sender
	var router = s.router
	var waiters = s.portWaiters
	s.portWaiters = nil

	var pending = s.pending
	s.pending = make(map[regKey][]chan error)

	s.mu.Unlock()

	if err != nil {
		s.log.Errorf("TNC attachment lost: %v", err)
	}

	close(s.closeCh)

	if conn != nil {
		conn.Close()
	}

	if sender != nil {
		sender.close()
	}

	if router != nil {
		router.destroyAll(err)
	}

	for _, w := range waiters {
		close(w)
	}

	var failure = err
	if failure == nil {
		failure = ErrServerClosed
	}

	for _, regWaiters := range pending {
		for _, w := range regWaiters {
			w <- failure
		}
	}
}

/*------------------------------------------------------------------
 *
 * Listener: the accepting side of one Listen call.
 *
 *---------------------------------------------------------------*/

type Listener struct {
	server *Server
	Calls  []string
	Ports  []int
	closed bool
}

var _ net.Listener = (*Listener)(nil)

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.server.inbound:
		return conn, nil

	case <-l.server.closeCh:
		l.server.mu.Lock()
		var err = l.server.closedErr()
		l.server.mu.Unlock()

		return nil, err
	}
}

func (l *Listener) Addr() net.Addr {
	var port byte
	if len(l.Ports) > 0 {
		port = byte(l.Ports[0])
	}

	return AX25Addr{Call: strings.Join(l.Calls, ","), Port: port}
}

// Close unregisters the listener's call signs.  The server and its
// other sessions stay up.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	for _, p := range l.Ports {
		for _, call := range l.Calls {
			l.server.unregister(byte(p), call)
		}
	}

	return nil
}
