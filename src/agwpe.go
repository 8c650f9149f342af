package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Encode and decode frames of the AGW TCPIP socket
 *		interface.
 *
 * Description:	Every frame is a fixed 36 byte header optionally
 *		followed by a payload.  Integers are little endian.
 *
 *		+--------+--------+-----------------------------------+
 *		| offset | length | field                             |
 *		+--------+--------+-----------------------------------+
 *		|   0    |   1    | TNC port                          |
 *		|   1    |   3    | reserved, zero                    |
 *		|   4    |   1    | data kind (ASCII)                 |
 *		|   5    |   1    | reserved, zero                    |
 *		|   6    |   1    | PID, 0xF0 = none                  |
 *		|   7    |   1    | reserved, zero                    |
 *		|   8    |  10    | call from, ASCII, NUL padded      |
 *		|  18    |  10    | call to, ASCII, NUL padded        |
 *		|  28    |   4    | payload length                    |
 *		|  32    |   4    | "user" field, usually zero        |
 *		|  36    |   N    | payload                           |
 *		+--------+--------+-----------------------------------+
 *
 * References:	AGWPE TCP/IP API Tutorial
 *		http://uz7ho.org.ua/includes/agwpeapi.htm
 *
 *		It has disappeared from the original location but you
 *		can find it here:
 *		https://www.on7lds.net/42/sites/default/files/AGWPEAPI.HTM
 *
 *---------------------------------------------------------------*/

import (
	"encoding/binary"
	"fmt"
)

const AGWPEHeaderSize = 36

// PIDNone is the PID placed in the header when no protocol applies.
const PIDNone = 0xF0

// Data kinds used by this library.  The letters are significant to the
// TNC; see the frame dictionary in the API tutorial.
const (
	KindPortInfo      = 'G' /* request / reply: ports list as "N;desc;..." */
	KindPortCaps      = 'g' /* request / reply: capabilities of one port */
	KindRegister      = 'X' /* register a call sign; reply 1 = ok, 0 = fail */
	KindUnregister    = 'x' /* unregister a call sign, no reply */
	KindConnect       = 'C' /* connect request / connected event */
	KindConnectVia    = 'v' /* connect through digipeaters */
	KindData          = 'D' /* connected mode data */
	KindDisconnect    = 'd' /* disconnect request / disconnected event */
	KindFramesWaiting = 'Y' /* frames in flight for one connection */
	KindPortFrames    = 'y' /* frames in flight for a whole port */
	KindRaw           = 'K' /* received raw AX.25 frame */
	KindRawToggle     = 'k' /* toggle reception of raw frames */
	KindUnproto       = 'M' /* transmit UNPROTO information */
	KindUnprotoVia    = 'V' /* transmit UNPROTO through digipeaters */
)

/*
 * Frame is the object form of one AGWPE frame.
 *
 * CallFrom and CallTo hold up to 9 ASCII characters each.  They are
 * upper cased on construction; no lower case call sign ever reaches
 * the wire.
 */
type Frame struct {
	Port     byte
	DataKind byte
	PID      byte
	CallFrom string
	CallTo   string
	User     uint32
	Data     []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("{port %d kind '%c' pid 0x%02x %s>%s len %d}",
		f.Port, f.DataKind, f.PID, f.CallFrom, f.CallTo, len(f.Data))
}

// isDataBearing reports whether transmission of this frame occupies
// the radio.  Only these count against the in-flight limit.
func (f *Frame) isDataBearing() bool {
	switch f.DataKind {
	case KindData, KindRaw, KindUnproto, KindUnprotoVia:
		return true
	}

	return false
}

/*-------------------------------------------------------------------
 *
 * Name:        EncodeFrame
 *
 * Purpose:     Serialize a frame into wire form.
 *
 * Returns:	36 + len(Data) bytes.  The reserved bytes are zero.
 *
 * Errors:	Call signs longer than 9 bytes do not fit in their
 *		NUL padded fields.
 *
 *--------------------------------------------------------------------*/

func EncodeFrame(f *Frame) ([]byte, error) {
	if len(f.CallFrom) > AX25_MAX_ADDR_LEN {
		return nil, fmt.Errorf("call from %q is longer than %d bytes", f.CallFrom, AX25_MAX_ADDR_LEN)
	}

	if len(f.CallTo) > AX25_MAX_ADDR_LEN {
		return nil, fmt.Errorf("call to %q is longer than %d bytes", f.CallTo, AX25_MAX_ADDR_LEN)
	}

	var b = make([]byte, AGWPEHeaderSize+len(f.Data))

	b[0] = f.Port
	b[4] = f.DataKind
	b[6] = f.PID
	copy(b[8:18], f.CallFrom)
	copy(b[18:28], f.CallTo)
	binary.LittleEndian.PutUint32(b[28:32], uint32(len(f.Data)))
	binary.LittleEndian.PutUint32(b[32:36], f.User)
	copy(b[AGWPEHeaderSize:], f.Data)

	return b, nil
}

/*-------------------------------------------------------------------
 *
 * Name:        DecodeFrame
 *
 * Purpose:     Parse the wire form back into a frame object.
 *
 * Inputs:	b	- At least the 36 header bytes.  The payload
 *			  length field says how much more belongs to
 *			  this frame; any surplus in b is ignored.
 *
 * Errors:	Too short a buffer, or a payload length that the
 *		buffer does not cover.
 *
 *--------------------------------------------------------------------*/

func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < AGWPEHeaderSize {
		return nil, fmt.Errorf("AGWPE frame has %d bytes; the header alone is %d", len(b), AGWPEHeaderSize)
	}

	var dataLen = binary.LittleEndian.Uint32(b[28:32])
	if uint64(len(b)-AGWPEHeaderSize) < uint64(dataLen) {
		return nil, fmt.Errorf("AGWPE frame payload length %d exceeds the %d bytes present", dataLen, len(b)-AGWPEHeaderSize)
	}

	var f = &Frame{
		Port:     b[0],
		DataKind: b[4],
		PID:      b[6],
		CallFrom: callField(b[8:18]),
		CallTo:   callField(b[18:28]),
		User:     binary.LittleEndian.Uint32(b[32:36]),
	}

	if dataLen > 0 {
		f.Data = make([]byte, dataLen)
		copy(f.Data, b[AGWPEHeaderSize:AGWPEHeaderSize+int(dataLen)])
	}

	return f, nil
}

// callField reads an ASCII call sign field terminated by the first NUL.
// The field is 10 bytes but contents must not exceed 9 characters; it
// is not guaranteed that the unused bytes contain 0.
func callField(b []byte) string {
	var n = len(b) - 1
	for i := 0; i < n; i++ {
		if b[i] == 0 {
			n = i
			break
		}
	}

	return string(b[:n])
}
