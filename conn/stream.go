package conn

import (
	"bytes"
	"errors"
	"sort"
)

var errStreamClosed = errors.New("stream closed for writing")

// Stream is one ordered byte stream of a connection. All mutable state
// is guarded by the owning connection's lock; the exported methods
// take it.
type Stream struct {
	conn *Connection
	id   uint32

	// send side
	sendOff   uint64
	pending   []byte
	retrans   []streamChunk
	finQueued bool
	finSent   bool

	// receive side
	recvOff  uint64
	segments map[uint64][]byte
	hasFin   bool
	finAt    uint64
	received bytes.Buffer
	finSeen  bool
}

func newStream(c *Connection, id uint32) *Stream {
	return &Stream{
		conn:     c,
		id:       id,
		segments: make(map[uint64][]byte),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 {
	return s.id
}

// Write queues p for ordered delivery and flushes what pacing allows.
func (s *Stream) Write(p []byte) (int, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.finQueued {
		return 0, errStreamClosed
	}
	if err := s.conn.sendableLocked(); err != nil {
		return 0, err
	}
	s.pending = append(s.pending, p...)
	s.conn.flushLocked(s.conn.cfg.Now())
	return len(p), nil
}

// Close marks the send direction finished. Queued data still drains.
func (s *Stream) Close() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.finQueued {
		return nil
	}
	s.finQueued = true
	s.conn.flushLocked(s.conn.cfg.Now())
	return nil
}

// Received returns a copy of the ordered bytes delivered so far.
func (s *Stream) Received() []byte {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return append([]byte(nil), s.received.Bytes()...)
}

// Finished reports whether the peer closed its send direction and all
// its data has been delivered.
func (s *Stream) Finished() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.finSeen
}

// deliverLocked merges one received chunk into the reassembly state and
// drains whatever became contiguous.
func (s *Stream) deliverLocked(c streamChunk) {
	if c.Fin {
		s.hasFin = true
		end := c.Offset + uint64(len(c.Data))
		if !s.finSeen || end > s.finAt {
			s.finAt = end
		}
	}
	if len(c.Data) > 0 && c.Offset+uint64(len(c.Data)) > s.recvOff {
		if existing, ok := s.segments[c.Offset]; !ok || len(c.Data) > len(existing) {
			s.segments[c.Offset] = c.Data
		}
	}

	for {
		advanced := false
		// segments can overlap after a retransmission; walk them in
		// offset order and consume whatever reaches recvOff
		offsets := make([]uint64, 0, len(s.segments))
		for off := range s.segments {
			offsets = append(offsets, off)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		for _, off := range offsets {
			data := s.segments[off]
			end := off + uint64(len(data))
			if end <= s.recvOff {
				delete(s.segments, off)
				continue
			}
			if off > s.recvOff {
				break
			}
			s.received.Write(data[s.recvOff-off:])
			s.recvOff = end
			delete(s.segments, off)
			advanced = true
		}
		if !advanced {
			break
		}
	}

	if s.hasFin && s.recvOff >= s.finAt {
		s.finSeen = true
	}
}

// nextChunkLocked cuts the next sendable chunk, retransmissions first,
// bounded by limit bytes of payload. ok is false when nothing is ready.
func (s *Stream) nextChunkLocked(limit int) (streamChunk, bool) {
	if len(s.retrans) > 0 {
		c := s.retrans[0]
		if len(c.Data) > limit && limit > 0 {
			head := streamChunk{ID: c.ID, Offset: c.Offset, Data: c.Data[:limit]}
			s.retrans[0] = streamChunk{ID: c.ID, Offset: c.Offset + uint64(limit), Fin: c.Fin, Data: c.Data[limit:]}
			return head, true
		}
		s.retrans = s.retrans[1:]
		if c.Fin {
			s.finSent = true
		}
		return c, true
	}

	if len(s.pending) == 0 {
		if s.finQueued && !s.finSent {
			s.finSent = true
			return streamChunk{ID: s.id, Offset: s.sendOff, Fin: true}, true
		}
		return streamChunk{}, false
	}

	n := len(s.pending)
	if limit > 0 && n > limit {
		n = limit
	}
	c := streamChunk{
		ID:     s.id,
		Offset: s.sendOff,
		Data:   append([]byte(nil), s.pending[:n]...),
	}
	s.pending = s.pending[n:]
	s.sendOff += uint64(n)
	if len(s.pending) == 0 && s.finQueued && !s.finSent {
		c.Fin = true
		s.finSent = true
	}
	return c, true
}

// requeueLocked puts a lost chunk back at the head of the retransmit
// queue, keeping original offsets so the peer never sees duplicates as
// new data.
func (s *Stream) requeueLocked(c streamChunk) {
	s.retrans = append([]streamChunk{c}, s.retrans...)
	if c.Fin {
		s.finSent = false
		s.finQueued = true
	}
}

// hasDataLocked reports whether anything is waiting to be sent.
func (s *Stream) hasDataLocked() bool {
	return len(s.retrans) > 0 || len(s.pending) > 0 || (s.finQueued && !s.finSent)
}
