package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Raw AX.25 monitoring and injection.
 *
 * Description:	Subscribing asks the TNC for 'K' frames, which carry
 *		the whole received AX.25 frame prefixed with one byte
 *		the TNC uses for the port (port << 4).  Outbound, a
 *		packet can be injected the same way, or sent unproto
 *		with 'M' / 'V'.
 *
 *		Note that reception of raw frames is a toggle on the
 *		TNC side; the port router sends the toggle only for
 *		the first subscriber and the last to leave.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"strings"
)

/* Decoded packets held for the application before old ones drop. */
const rawQueueDepth = 64

type RawSocket struct {
	server *Server
	queue  chan *Packet
	done   chan struct{}
	err    error
	closed bool
}

func newRawSocket(server *Server) *RawSocket {
	return &RawSocket{
		server: server,
		queue:  make(chan *Packet, rawQueueDepth),
		done:   make(chan struct{}),
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        Recv
 *
 * Purpose:     Return the next monitored packet.
 *
 * Description:	Blocks until a packet arrives or the socket closes.
 *		Monitoring is lossy by nature; when the application
 *		falls behind, the oldest packet is dropped.
 *
 *--------------------------------------------------------------------*/

func (r *RawSocket) Recv() (*Packet, error) {
	select {
	case p := <-r.queue:
		return p, nil

	case <-r.done:
		// Drain anything that raced with the close.
		select {
		case p := <-r.queue:
			return p, nil
		default:
		}

		if r.err != nil {
			return nil, r.err
		}

		return nil, ErrConnClosed
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        Send
 *
 * Purpose:     Inject one AX.25 packet, bit for bit.
 *
 * Description:	Encoded into a 'K' frame: one byte of port << 4, then
 *		the radio format.  Data bearing, so it is paced by the
 *		port throttle like everything else that transmits.
 *
 *--------------------------------------------------------------------*/

func (r *RawSocket) Send(p *Packet) error {
	var encoded, encodeErr = EncodePacket(p)
	if encodeErr != nil {
		return encodeErr
	}

	var payload = make([]byte, 1+len(encoded))
	payload[0] = p.Port << 4
	copy(payload[1:], encoded)

	var from, fromErr = ValidateCallSign(p.FromAddress)
	if fromErr != nil {
		return fromErr
	}

	var to, toErr = ValidateCallSign(p.ToAddress)
	if toErr != nil {
		return toErr
	}

	r.server.routeOut(p.Port, &Frame{
		Port:     p.Port,
		DataKind: KindRaw,
		PID:      PIDNone,
		CallFrom: from,
		CallTo:   to,
		Data:     payload,
	})

	return nil
}

/*-------------------------------------------------------------------
 *
 * Name:        SendUI
 *
 * Purpose:     Transmit unproto information, optionally through
 *		digipeaters.
 *
 * Description:	'M' when there is no via path.  'V' wants a count
 *		byte followed by ten bytes per digipeater: nine of
 *		upper case ASCII and a trailing NUL.
 *
 *--------------------------------------------------------------------*/

func (r *RawSocket) SendUI(port byte, from string, to string, via []string, info []byte) error {
	var localCall, fromErr = ValidateCallSign(from)
	if fromErr != nil {
		return fromErr
	}

	var remoteCall, toErr = ValidateCallSign(to)
	if toErr != nil {
		return toErr
	}

	if len(via) == 0 {
		r.server.routeOut(port, &Frame{
			Port:     port,
			DataKind: KindUnproto,
			PID:      PIDNone,
			CallFrom: localCall,
			CallTo:   remoteCall,
			Data:     info,
		})

		return nil
	}

	var payload, viaErr = encodeViaPath(via)
	if viaErr != nil {
		return viaErr
	}

	payload = append(payload, info...)

	r.server.routeOut(port, &Frame{
		Port:     port,
		DataKind: KindUnprotoVia,
		PID:      PIDNone,
		CallFrom: localCall,
		CallTo:   remoteCall,
		Data:     payload,
	})

	return nil
}

func (r *RawSocket) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	r.server.router.unsubscribeRaw(r)
	close(r.done)

	return nil
}

func (r *RawSocket) deliver(f *Frame) {
	if len(f.Data) < 1 {
		return
	}

	var packet, decodeErr = DecodePacket(f.Data[1:])
	if decodeErr != nil {
		r.server.log.Warnf("undecodable raw frame on port %d: %v", f.Port, decodeErr)

		return
	}

	packet.Port = f.Port

	for {
		select {
		case r.queue <- packet:
			return
		default:
		}

		// Full; drop the oldest and retry.
		select {
		case <-r.queue:
		default:
		}
	}
}

func (r *RawSocket) shutdown(err error) {
	if r.closed {
		return
	}
	r.closed = true

	r.err = err
	close(r.done)
}

/*-------------------------------------------------------------------
 *
 * Name:        encodeViaPath
 *
 * Purpose:     Build the digipeater list used by 'v' and 'V'.
 *
 *--------------------------------------------------------------------*/

const maxViaPath = 7 /* the AGWPE via structure holds at most 7 */

func encodeViaPath(via []string) ([]byte, error) {
	if len(via) > maxViaPath {
		return nil, fmt.Errorf("via path of %d digipeaters exceeds %d", len(via), maxViaPath)
	}

	var b = make([]byte, 1+10*len(via))
	b[0] = byte(len(via))

	for i, hop := range via {
		var call, validErr = ValidateCallSign(hop)
		if validErr != nil {
			return nil, validErr
		}

		copy(b[1+10*i:1+10*i+9], strings.ToUpper(call))
		/* tenth byte stays NUL */
	}

	return b, nil
}
