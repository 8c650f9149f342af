package agwpe

/*------------------------------------------------------------------
 *
 * Purpose:   	Packet assembler and disassembler for AX.25 frames.
 *
 * Description:	The radio format, used here for the raw 'K' monitor
 *		and inject path:
 *
 *	* Destination Address  (note: opposite order in printed format)
 *
 *	* Source Address
 *
 *	* 0-8 Digipeater Addresses
 *
 *	Each address is composed of:
 *
 *	* 6 upper case letters, digits or /, blank padded.
 *		These are shifted left one bit, leaving the LSB always 0.
 *
 *	* a 7th octet containing the SSID and flags.
 *		The LSB is always 0 except for the last octet of the
 *		address field.
 *
 *		The high bit of the destination 7th octet is the
 *		command bit, the high bit of the source 7th octet is
 *		the response bit, and on each digipeater it means
 *		has-been-repeated.
 *
 *	Next a one byte Control Field, then a one byte Protocol ID
 *	for I and UI frames only, then the Information Field.
 *
 *	The 2 byte CRC is not seen here; the TNC owns it.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
)

const AX25_MAX_REPEATERS = 8

// PacketType identifies the AX.25 frame type.
type PacketType byte

const (
	TypeUI PacketType = iota
	TypeI
	TypeSABM
	TypeSABME
	TypeDISC
	TypeDM
	TypeUA
	TypeFRMR
	TypeRR
	TypeRNR
	TypeREJ
	TypeSREJ
	TypeXID
	TypeTEST
)

func (t PacketType) String() string {
	switch t {
	case TypeUI:
		return "UI"
	case TypeI:
		return "I"
	case TypeSABM:
		return "SABM"
	case TypeSABME:
		return "SABME"
	case TypeDISC:
		return "DISC"
	case TypeDM:
		return "DM"
	case TypeUA:
		return "UA"
	case TypeFRMR:
		return "FRMR"
	case TypeRR:
		return "RR"
	case TypeRNR:
		return "RNR"
	case TypeREJ:
		return "REJ"
	case TypeSREJ:
		return "SREJ"
	case TypeXID:
		return "XID"
	case TypeTEST:
		return "TEST"
	}

	return fmt.Sprintf("type %d", byte(t))
}

/*
 * Base control byte values.  For I and S frames NR goes in bits 5..7,
 * for I frames NS goes in bits 1..3, and the poll/final bit is bit 4.
 */
var controlTable = map[PacketType]byte{
	TypeI:     0x00,
	TypeRR:    0x01,
	TypeRNR:   0x05,
	TypeREJ:   0x09,
	TypeSREJ:  0x0D,
	TypeSABM:  0x2F,
	TypeSABME: 0x6F,
	TypeDISC:  0x43,
	TypeDM:    0x0F,
	TypeUA:    0x63,
	TypeFRMR:  0x87,
	TypeUI:    0x03,
	TypeXID:   0xAF,
	TypeTEST:  0xE3,
}

// Digipeater is one hop of a via path.  Repeated is the
// has-been-repeated marker seen on decode.
type Digipeater struct {
	Address  string
	Repeated bool
}

/*
 * Packet is the object form of one AX.25 frame.
 *
 * Command and Response are mutually exclusive, as are P and F.
 * NR and NS apply only to the frame types that carry them, and
 * PID and Info only to I and UI.
 */
type Packet struct {
	Port        byte
	Type        PacketType
	ToAddress   string
	FromAddress string
	Via         []Digipeater
	Command     bool
	Response    bool
	P           bool
	F           bool
	NR          int
	NS          int
	PID         byte
	Info        []byte
}

func (p *Packet) hasSequence() bool {
	switch p.Type {
	case TypeI, TypeRR, TypeRNR, TypeREJ, TypeSREJ:
		return true
	}

	return false
}

func (p *Packet) isSupervisory() bool {
	switch p.Type {
	case TypeRR, TypeRNR, TypeREJ, TypeSREJ:
		return true
	}

	return false
}

/*-------------------------------------------------------------------
 *
 * Name:        encodeAddress
 *
 * Purpose:     Lay out one 7 byte address field.
 *
 * Inputs:	address	- Call sign with optional SSID.
 *		marker	- Value for the high bit of the 7th octet:
 *			  command, response or has-been-repeated.
 *		last	- Set the end-of-addresses bit.
 *
 *--------------------------------------------------------------------*/

func encodeAddress(b []byte, address string, marker bool, last bool) error {
	var canonical, validErr = ValidateCallSign(address)
	if validErr != nil {
		return validErr
	}

	var base, ssid = splitCallSign(canonical)

	for i := 0; i < 6; i++ {
		var c = byte(' ')
		if i < len(base) {
			c = base[i]
		}

		b[i] = c << 1
	}

	b[6] = byte(ssid) << 1
	if marker {
		b[6] |= 0x80
	}

	if last {
		b[6] |= 0x01
	}

	return nil
}

// decodeAddress is the inverse.  Returns the address, the marker bit
// and the end-of-addresses bit.
func decodeAddress(b []byte) (string, bool, bool) {
	var base = make([]byte, 0, 6)
	for i := 0; i < 6; i++ {
		var c = b[i] >> 1
		if c == ' ' {
			break
		}

		base = append(base, c)
	}

	var ssid = int(b[6]>>1) & 0x0F

	return joinCallSign(string(base), ssid), b[6]&0x80 != 0, b[6]&0x01 != 0
}

/*-------------------------------------------------------------------
 *
 * Name:        EncodePacket
 *
 * Purpose:     Serialize a packet into the radio format.
 *
 * Description:	Addresses first with the end-of-addresses bit on the
 *		last one, then the control byte, the PID for I and UI,
 *		and the information bytes.
 *
 *		The poll/final bit is bit 4 of the control byte except
 *		for supervisory frames, where poll rides in the 0x80
 *		bit of the destination address field and final in the
 *		same bit of the source address field.
 *
 * Errors:	Unknown type; both P and F; both command and response;
 *		info on a type other than I or UI; more than 8
 *		digipeaters; bad call signs.
 *
 *--------------------------------------------------------------------*/

func EncodePacket(p *Packet) ([]byte, error) {
	var control, known = controlTable[p.Type]
	if !known {
		return nil, fmt.Errorf("cannot encode %s frame", p.Type)
	}

	if p.P && p.F {
		return nil, fmt.Errorf("P and F must not both be set")
	}

	if p.Command && p.Response {
		return nil, fmt.Errorf("command and response must not both be set")
	}

	if len(p.Info) > 0 && p.Type != TypeI && p.Type != TypeUI {
		return nil, fmt.Errorf("%s frame must not carry an info field", p.Type)
	}

	if len(p.Via) > AX25_MAX_REPEATERS {
		return nil, fmt.Errorf("via path of %d digipeaters exceeds %d", len(p.Via), AX25_MAX_REPEATERS)
	}

	if p.hasSequence() {
		if p.NR < 0 || p.NR > 7 {
			return nil, fmt.Errorf("NR %d not in range of 0 to 7", p.NR)
		}

		control |= byte(p.NR) << 5
	}

	if p.Type == TypeI {
		if p.NS < 0 || p.NS > 7 {
			return nil, fmt.Errorf("NS %d not in range of 0 to 7", p.NS)
		}

		control |= byte(p.NS) << 1
	}

	var toMarker = p.Command
	var fromMarker = p.Response

	if p.isSupervisory() {
		if p.P {
			toMarker = true
		}

		if p.F {
			fromMarker = true
		}
	} else if p.P || p.F {
		control |= 0x10
	}

	var addressCount = 2 + len(p.Via)
	var b = make([]byte, addressCount*7, addressCount*7+2+len(p.Info))

	if err := encodeAddress(b[0:7], p.ToAddress, toMarker, false); err != nil {
		return nil, err
	}

	if err := encodeAddress(b[7:14], p.FromAddress, fromMarker, len(p.Via) == 0); err != nil {
		return nil, err
	}

	for i, digi := range p.Via {
		var off = 14 + i*7
		if err := encodeAddress(b[off:off+7], digi.Address, digi.Repeated, i == len(p.Via)-1); err != nil {
			return nil, err
		}
	}

	b = append(b, control)

	if p.Type == TypeI || p.Type == TypeUI {
		b = append(b, p.PID)
		b = append(b, p.Info...)
	}

	return b, nil
}

/*-------------------------------------------------------------------
 *
 * Name:        DecodePacket
 *
 * Purpose:     Parse the radio format back into a packet object.
 *
 * Description:	Walk the addresses until the end-of-addresses bit or
 *		the bounds run out.  Classify the control byte as I, S
 *		or U by the low two bits.  PID values 0xFF and 0x08
 *		mean an escaped PID follows; the extra byte is
 *		consumed and the real PID kept.
 *
 *--------------------------------------------------------------------*/

func DecodePacket(b []byte) (*Packet, error) {
	var p = &Packet{}

	/*
	 * Addresses.
	 */
	var n = 0
	var last = false
	for !last {
		if n >= 2+AX25_MAX_REPEATERS {
			return nil, fmt.Errorf("AX.25 frame has more than %d addresses", 2+AX25_MAX_REPEATERS)
		}

		var off = n * 7
		if off+7 > len(b) {
			return nil, fmt.Errorf("AX.25 frame ends inside address %d", n)
		}

		var address, marker, isLast = decodeAddress(b[off : off+7])
		last = isLast

		switch n {
		case 0:
			p.ToAddress = address
			p.Command = marker
		case 1:
			p.FromAddress = address
			p.Response = marker
		default:
			p.Via = append(p.Via, Digipeater{Address: address, Repeated: marker})
		}

		n++
	}

	if n < 2 {
		return nil, fmt.Errorf("AX.25 frame has only %d addresses", n)
	}

	/*
	 * Control byte.
	 */
	var off = n * 7
	if off >= len(b) {
		return nil, fmt.Errorf("AX.25 frame ends before the control byte")
	}

	var control = b[off]
	off++

	switch {
	case control&0x01 == 0:
		p.Type = TypeI
		p.NR = int(control>>5) & 0x07
		p.NS = int(control>>1) & 0x07

		if control&0x10 != 0 {
			p.P = p.Command
			p.F = !p.Command
		}

	case control&0x03 == 0x01:
		switch control & 0x0F {
		case 0x01:
			p.Type = TypeRR
		case 0x05:
			p.Type = TypeRNR
		case 0x09:
			p.Type = TypeREJ
		case 0x0D:
			p.Type = TypeSREJ
		default:
			return nil, fmt.Errorf("unrecognized S frame control 0x%02x", control)
		}

		p.NR = int(control>>5) & 0x07
		p.P = p.Command
		p.F = p.Response

	default:
		var found = false
		for t, base := range controlTable {
			if base&0x03 == 0x03 && control&^0x10 == base&^0x10 {
				p.Type = t
				found = true

				break
			}
		}

		if !found {
			return nil, fmt.Errorf("unrecognized U frame control 0x%02x", control)
		}

		if control&0x10 != 0 {
			p.P = p.Command
			p.F = !p.Command
		}
	}

	/*
	 * PID and information, for the types that carry them.
	 */
	if p.Type == TypeI || p.Type == TypeUI {
		if off >= len(b) {
			return nil, fmt.Errorf("AX.25 %s frame ends before the PID", p.Type)
		}

		p.PID = b[off]
		off++

		// 0xFF and 0x08 mean an escaped PID follows.
		if p.PID == 0xFF || p.PID == 0x08 {
			if off >= len(b) {
				return nil, fmt.Errorf("AX.25 frame ends inside an escaped PID")
			}

			p.PID = b[off]
			off++
		}

		if off < len(b) {
			p.Info = make([]byte, len(b)-off)
			copy(p.Info, b[off:])
		}
	}

	return p, nil
}
