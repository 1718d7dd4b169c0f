package conn

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	mrand "math/rand/v2"

	"github.com/bridgefall/veilquic/internal/tai64n"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
	"github.com/bridgefall/veilquic/ticket"
)

// Packet types. Hello packets are plaintext-framed with the token
// hidden among random fill; early and data packets are sealed.
const (
	pktClientHello byte = 0x01
	pktServerHello byte = 0x02
	pktEarly       byte = 0x03
	pktData        byte = 0x04
)

const (
	headerSize          = 1 + 8
	protectedHeaderSize = 1 + 8 + 8
)

var (
	errTruncatedPacket = errors.New("truncated packet")
	errUnknownPacket   = errors.New("unknown packet type")
	errMalformedFrame  = errors.New("malformed frame")
)

type clientHello struct {
	ConnID    uint64
	Early     bool
	Timestamp tai64n.Timestamp
	Random    [jls.RandomSize]byte
	Token     [jls.TokenSize]byte
	Ticket    []byte
}

type serverHello struct {
	ConnID        uint64
	EarlyAccepted bool
	Timestamp     tai64n.Timestamp
	Random        [jls.RandomSize]byte
	Token         [jls.TokenSize]byte
}

func encodeClientHello(h clientHello, pad []byte) []byte {
	out := make([]byte, 0, headerSize+1+tai64n.TimestampSize+jls.RandomSize+jls.TokenSize+4+len(h.Ticket)+len(pad))
	out = append(out, pktClientHello)
	out = binary.BigEndian.AppendUint64(out, h.ConnID)
	mode := byte(0)
	if h.Early {
		mode = 1
	}
	out = append(out, mode)
	out = append(out, h.Timestamp[:]...)
	out = append(out, h.Random[:]...)
	out = append(out, h.Token[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(h.Ticket)))
	out = append(out, h.Ticket...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pad)))
	out = append(out, pad...)
	return out
}

func parseClientHello(b []byte) (clientHello, error) {
	var h clientHello
	fixed := headerSize + 1 + tai64n.TimestampSize + jls.RandomSize + jls.TokenSize + 2
	if len(b) < fixed || b[0] != pktClientHello {
		return h, errTruncatedPacket
	}
	h.ConnID = binary.BigEndian.Uint64(b[1:])
	off := headerSize
	h.Early = b[off] == 1
	off++
	off += copy(h.Timestamp[:], b[off:])
	off += copy(h.Random[:], b[off:])
	off += copy(h.Token[:], b[off:])
	tlen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+tlen+2 {
		return h, errTruncatedPacket
	}
	if tlen > 0 {
		h.Ticket = append([]byte(nil), b[off:off+tlen]...)
	}
	off += tlen
	plen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+plen {
		return h, errTruncatedPacket
	}
	return h, nil
}

func encodeServerHello(h serverHello, pad []byte) []byte {
	out := make([]byte, 0, headerSize+1+tai64n.TimestampSize+jls.RandomSize+jls.TokenSize+2+len(pad))
	out = append(out, pktServerHello)
	out = binary.BigEndian.AppendUint64(out, h.ConnID)
	flags := byte(0)
	if h.EarlyAccepted {
		flags = 1
	}
	out = append(out, flags)
	out = append(out, h.Timestamp[:]...)
	out = append(out, h.Random[:]...)
	out = append(out, h.Token[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pad)))
	out = append(out, pad...)
	return out
}

func parseServerHello(b []byte) (serverHello, error) {
	var h serverHello
	fixed := headerSize + 1 + tai64n.TimestampSize + jls.RandomSize + jls.TokenSize + 2
	if len(b) < fixed || b[0] != pktServerHello {
		return h, errTruncatedPacket
	}
	h.ConnID = binary.BigEndian.Uint64(b[1:])
	off := headerSize
	h.EarlyAccepted = b[off]&1 == 1
	off++
	off += copy(h.Timestamp[:], b[off:])
	off += copy(h.Random[:], b[off:])
	off += copy(h.Token[:], b[off:])
	plen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b) < off+plen {
		return h, errTruncatedPacket
	}
	return h, nil
}

// sealPacket builds a protected packet: header bound as additional data.
func sealPacket(sealer *jls.PacketSealer, typ byte, connID, pn uint64, payload []byte) []byte {
	header := make([]byte, protectedHeaderSize)
	header[0] = typ
	binary.BigEndian.PutUint64(header[1:], connID)
	binary.BigEndian.PutUint64(header[9:], pn)
	return append(header, sealer.Seal(pn, header, payload)...)
}

// openPacket verifies and decrypts a protected packet.
func openPacket(sealer *jls.PacketSealer, b []byte) (pn uint64, payload []byte, err error) {
	if len(b) < protectedHeaderSize+sealer.Overhead() {
		return 0, nil, errTruncatedPacket
	}
	pn = binary.BigEndian.Uint64(b[9:])
	payload, err = sealer.Open(pn, b[:protectedHeaderSize], b[protectedHeaderSize:])
	return pn, payload, err
}

// Frame types carried inside protected packets.
const (
	frameStream byte = 1
	frameAck    byte = 2
	frameClose  byte = 3
	frameTicket byte = 4
	framePing   byte = 5
)

// Close reason codes, local diagnostics only.
const (
	reasonNormal   byte = 0
	reasonIdle     byte = 1
	reasonProtocol byte = 2
	reasonTimeout  byte = 3
)

type streamChunk struct {
	ID     uint32
	Offset uint64
	Fin    bool
	Data   []byte
}

type ticketFrame struct {
	ID       [ticket.IDSize]byte
	Secret   [jls.KeySize]byte
	IssuedAt int64
	Lifetime uint32
	MaxUses  uint16
	Sealed   []byte
}

// frames is the decoded content of one protected packet.
type frames struct {
	Streams []streamChunk
	Acks    []uint64
	Close   *byte
	Tickets []ticketFrame
	Pings   int
}

// ackEliciting reports whether the packet must be acknowledged.
func (f frames) ackEliciting() bool {
	return len(f.Streams) > 0 || len(f.Tickets) > 0 || f.Pings > 0 || f.Close != nil
}

func appendStreamFrame(out []byte, c streamChunk) []byte {
	out = append(out, frameStream)
	out = binary.BigEndian.AppendUint32(out, c.ID)
	out = binary.BigEndian.AppendUint64(out, c.Offset)
	fin := byte(0)
	if c.Fin {
		fin = 1
	}
	out = append(out, fin)
	out = binary.BigEndian.AppendUint16(out, uint16(len(c.Data)))
	return append(out, c.Data...)
}

func appendAckFrame(out []byte, pns []uint64) []byte {
	out = append(out, frameAck)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pns)))
	for _, pn := range pns {
		out = binary.BigEndian.AppendUint64(out, pn)
	}
	return out
}

func appendCloseFrame(out []byte, reason byte) []byte {
	return append(out, frameClose, reason)
}

func appendPingFrame(out []byte) []byte {
	return append(out, framePing)
}

func appendTicketFrame(out []byte, tf ticketFrame) []byte {
	out = append(out, frameTicket)
	out = append(out, tf.ID[:]...)
	out = append(out, tf.Secret[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(tf.IssuedAt))
	out = binary.BigEndian.AppendUint32(out, tf.Lifetime)
	out = binary.BigEndian.AppendUint16(out, tf.MaxUses)
	out = binary.BigEndian.AppendUint16(out, uint16(len(tf.Sealed)))
	return append(out, tf.Sealed...)
}

func parseFrames(b []byte) (frames, error) {
	var out frames
	for len(b) > 0 {
		typ := b[0]
		b = b[1:]
		switch typ {
		case frameStream:
			if len(b) < 4+8+1+2 {
				return out, errMalformedFrame
			}
			c := streamChunk{
				ID:     binary.BigEndian.Uint32(b),
				Offset: binary.BigEndian.Uint64(b[4:]),
				Fin:    b[12] == 1,
			}
			dlen := int(binary.BigEndian.Uint16(b[13:]))
			b = b[15:]
			if len(b) < dlen {
				return out, errMalformedFrame
			}
			c.Data = append([]byte(nil), b[:dlen]...)
			b = b[dlen:]
			out.Streams = append(out.Streams, c)
		case frameAck:
			if len(b) < 2 {
				return out, errMalformedFrame
			}
			n := int(binary.BigEndian.Uint16(b))
			b = b[2:]
			if len(b) < n*8 {
				return out, errMalformedFrame
			}
			for i := 0; i < n; i++ {
				out.Acks = append(out.Acks, binary.BigEndian.Uint64(b[i*8:]))
			}
			b = b[n*8:]
		case frameClose:
			if len(b) < 1 {
				return out, errMalformedFrame
			}
			reason := b[0]
			out.Close = &reason
			b = b[1:]
		case frameTicket:
			fixed := ticket.IDSize + jls.KeySize + 8 + 4 + 2 + 2
			if len(b) < fixed {
				return out, errMalformedFrame
			}
			var tf ticketFrame
			off := copy(tf.ID[:], b)
			off += copy(tf.Secret[:], b[off:])
			tf.IssuedAt = int64(binary.BigEndian.Uint64(b[off:]))
			off += 8
			tf.Lifetime = binary.BigEndian.Uint32(b[off:])
			off += 4
			tf.MaxUses = binary.BigEndian.Uint16(b[off:])
			off += 2
			slen := int(binary.BigEndian.Uint16(b[off:]))
			off += 2
			if len(b) < off+slen {
				return out, errMalformedFrame
			}
			tf.Sealed = append([]byte(nil), b[off:off+slen]...)
			b = b[off+slen:]
			out.Tickets = append(out.Tickets, tf)
		case framePing:
			out.Pings++
		default:
			return out, errMalformedFrame
		}
	}
	return out, nil
}

// randomPad draws handshake fill per the padding policy so hello sizes
// do not form a stable signature.
func randomPad(p profile.PaddingPolicy) []byte {
	if !p.Enabled() {
		return nil
	}
	low, high := p.Min, p.Max
	if p.BurstProb > 0 && mrand.Float64() < p.BurstProb {
		low, high = p.BurstMin, p.BurstMax
	}
	n := low
	if high > low {
		n = low + mrand.IntN(high-low+1)
	}
	if n <= 0 {
		return nil
	}
	pad := make([]byte, n)
	if _, err := rand.Read(pad); err != nil {
		return nil
	}
	return pad
}
