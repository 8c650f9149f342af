package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Demultiplex the single frame stream from the TNC into
 *		per-port and per-conversation clients.
 *
 * Description:	Two layers.  The port router is the entry point for
 *		everything the receiver produces: port list and
 *		registration replies belong to the server, raw frames
 *		to the raw subscribers, and the rest to a per-port
 *		client created on demand.  Below each port, the
 *		connection router resolves frames to one conversation
 *		by (port, local call, remote call).
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"strings"
	"sync"
)

/*------------------------------------------------------------------
 *
 * Port router.
 *
 *---------------------------------------------------------------*/

type portRouter struct {
	mu     sync.Mutex
	server *Server
	ports  map[byte]*portThrottle
	raw    []*RawSocket
	log    Logger
}

func newPortRouter(server *Server, log Logger) *portRouter {
	return &portRouter{
		server: server,
		ports:  make(map[byte]*portThrottle),
		log:    log,
	}
}

func (r *portRouter) route(f *Frame) {
	switch f.DataKind {
	case KindPortInfo:
		r.server.handlePortInfo(f)

	case KindRegister:
		r.server.handleRegistration(f)

	case KindRaw:
		r.routeRaw(f)

	default:
		r.client(f.Port).handleFrame(f)
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        client
 *
 * Purpose:     Find or create the throttle for one TNC port.
 *
 * Description:	Creation immediately asks 'y' so the in-flight count
 *		starts from what the TNC says rather than a guess.
 *
 *--------------------------------------------------------------------*/

func (r *portRouter) client(port byte) *portThrottle {
	r.mu.Lock()

	var p, ok = r.ports[port]
	if !ok {
		p = newPortThrottle(port, r.server.sender, r.server, r.log)
		r.ports[port] = p
	}

	r.mu.Unlock()

	if !ok {
		r.server.sender.Send(&Frame{Port: port, DataKind: KindPortFrames, PID: PIDNone})
	}

	return p
}

func (r *portRouter) routeRaw(f *Frame) {
	r.mu.Lock()
	var subscribers = make([]*RawSocket, len(r.raw))
	copy(subscribers, r.raw)
	r.mu.Unlock()

	if len(subscribers) == 0 {
		return /* nobody asked; discard */
	}

	for _, rs := range subscribers {
		rs.deliver(f)
	}
}

/*
 * The 'k' command is a toggle, not an explicit on or off, so send it
 * only on the first subscribe and the last unsubscribe.
 */

func (r *portRouter) subscribeRaw(rs *RawSocket) {
	r.mu.Lock()
	r.raw = append(r.raw, rs)
	var first = len(r.raw) == 1
	r.mu.Unlock()

	if first {
		r.server.sender.Send(&Frame{DataKind: KindRawToggle, PID: PIDNone})
	}
}

func (r *portRouter) unsubscribeRaw(rs *RawSocket) {
	r.mu.Lock()

	for i, other := range r.raw {
		if other == rs {
			r.raw = append(r.raw[:i], r.raw[i+1:]...)

			break
		}
	}

	var last = len(r.raw) == 0
	r.mu.Unlock()

	if last {
		r.server.sender.Send(&Frame{DataKind: KindRawToggle, PID: PIDNone})
	}
}

// destroyAll cascades a socket teardown to every client.
func (r *portRouter) destroyAll(err error) {
	r.mu.Lock()

	var ports = make([]*portThrottle, 0, len(r.ports))
	for _, p := range r.ports {
		ports = append(ports, p)
	}
	r.ports = make(map[byte]*portThrottle)

	var raw = r.raw
	r.raw = nil

	r.mu.Unlock()

	for _, p := range ports {
		p.conns.destroyAll(err)
		p.destroy()
	}

	for _, rs := range raw {
		rs.shutdown(err)
	}
}

/*------------------------------------------------------------------
 *
 * Connection router: frames already scoped to one port.
 *
 *---------------------------------------------------------------*/

type connKey struct {
	port       byte
	localCall  string
	remoteCall string
}

func (k connKey) String() string {
	return fmt.Sprintf("port %d %s<>%s", k.port, k.localCall, k.remoteCall)
}

func makeConnKey(port byte, localCall string, remoteCall string) connKey {
	return connKey{
		port:       port,
		localCall:  strings.ToUpper(localCall),
		remoteCall: strings.ToUpper(remoteCall),
	}
}

type connRouter struct {
	mu     sync.Mutex
	port   *portThrottle
	server *Server
	table  map[connKey]*connThrottle
	log    Logger
}

func newConnRouter(port *portThrottle, server *Server, log Logger) *connRouter {
	return &connRouter{
		port:   port,
		server: server,
		table:  make(map[connKey]*connThrottle),
		log:    log,
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        route
 *
 * Purpose:     Hand one frame to its conversation.
 *
 * Description:	The TNC addresses most frames from the remote station
 *		to us, but a 'Y' reply is attributed to the far end
 *		the other way around, so its key is swapped.
 *
 *		A 'C' for an unknown key is an inbound connect
 *		request: build the conversation and offer it to
 *		whoever is accepting.  A 'C' for a known key is the
 *		confirmation of our own connect request.
 *
 *--------------------------------------------------------------------*/

func (r *connRouter) route(f *Frame) {
	var key connKey
	if f.DataKind == KindFramesWaiting {
		key = makeConnKey(f.Port, f.CallFrom, f.CallTo)
	} else {
		key = makeConnKey(f.Port, f.CallTo, f.CallFrom)
	}

	r.mu.Lock()
	var th, ok = r.table[key]
	r.mu.Unlock()

	if ok {
		if f.DataKind == KindConnect {
			r.log.Debugf("connected event for existing %s: %q", key, f.Data)
		}

		th.handleFrame(f)

		return
	}

	if f.DataKind == KindConnect {
		var conn = r.newInbound(key, f)
		if conn != nil {
			r.server.offerConn(conn)
		}

		return
	}

	// No entry matches.  Don't discard silently.
	r.log.Warnf("no conversation for frame %s", f)
	r.server.noteStray(f)
}

func (r *connRouter) newInbound(key connKey, f *Frame) *Conn {
	r.mu.Lock()

	if _, exists := r.table[key]; exists {
		r.mu.Unlock()

		return nil
	}

	var th = newConnThrottle(key, r.server.opts.ID, r.server.sender, r, r.log)
	r.table[key] = th
	r.mu.Unlock()

	var conn = newConn(th, r.server)
	conn.connected = true
	conn.banner = f.Data

	r.log.Infof("inbound connection %s: %q", key, strings.TrimSpace(string(f.Data)))

	return conn
}

/*-------------------------------------------------------------------
 *
 * Name:        newOutbound
 *
 * Purpose:     Create the conversation for a connect request we are
 *		about to send.
 *
 * Errors:	EADDRINUSE when the key already exists.
 *
 *--------------------------------------------------------------------*/

func (r *connRouter) newOutbound(key connKey) (*connThrottle, error) {
	r.mu.Lock()

	if _, exists := r.table[key]; exists {
		r.mu.Unlock()

		return nil, addressInUseError(key)
	}

	var th = newConnThrottle(key, r.server.opts.ID, r.server.sender, r, r.log)
	r.table[key] = th

	r.mu.Unlock()

	return th, nil
}

func (r *connRouter) remove(key connKey) {
	r.mu.Lock()
	delete(r.table, key)
	r.mu.Unlock()
}

func (r *connRouter) destroyAll(err error) {
	r.mu.Lock()

	var all = make([]*connThrottle, 0, len(r.table))
	for _, th := range r.table {
		all = append(all, th)
	}
	r.table = make(map[connKey]*connThrottle)

	r.mu.Unlock()

	for _, th := range all {
		th.destroy()

		if th.conn != nil {
			th.conn.shutdown(err)
		}
	}
}
