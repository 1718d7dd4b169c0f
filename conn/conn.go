package conn

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bridgefall/veilquic/congestion"
	"github.com/bridgefall/veilquic/internal/replay"
	"github.com/bridgefall/veilquic/internal/tai64n"
	"github.com/bridgefall/veilquic/jls"
	"github.com/bridgefall/veilquic/profile"
	"github.com/bridgefall/veilquic/replaystore"
	"github.com/bridgefall/veilquic/ticket"
)

var (
	ErrClosed            = errors.New("connection closed")
	errIllegalTransition = errors.New("illegal phase transition")
)

// Config carries everything a single connection needs. The replay
// store and ticket state are shared services owned by the caller; the
// connection only holds handles.
type Config struct {
	ConnID uint64
	PSK    [jls.KeySize]byte
	// Skew is the token freshness tolerance.
	Skew time.Duration

	// client side
	Identity string
	Tickets  *ticket.Cache

	// server side
	Issuer  *ticket.Issuer
	Replays *replaystore.Store

	Congestion congestion.Config
	Padding    profile.PaddingPolicy

	IdleTimeout      time.Duration
	DrainInterval    time.Duration
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration

	Logger *slog.Logger
	// Send transmits one datagram toward the peer.
	Send func([]byte) error
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	out.Congestion = out.Congestion.WithDefaults()
	if out.Skew <= 0 {
		out.Skew = time.Duration(profile.DefaultSkewSeconds) * time.Second
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = profile.DefaultIdleTimeout
	}
	if out.DrainInterval <= 0 {
		out.DrainInterval = profile.DefaultDrainInterval
	}
	if out.KeepAlive <= 0 {
		out.KeepAlive = profile.DefaultKeepAlive
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = profile.DefaultHandshakeTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Handoff carries a rejected connection's bytes to the fallback path.
// The datagram that failed authentication must reach the decoy intact.
type Handoff struct {
	Initial []byte
}

type sentRecord struct {
	chunks []streamChunk
	early  bool
}

// Connection is one endpoint of a transport connection. All mutable
// state is serialized behind mu; handlers, timers, and application
// writes all funnel through it.
type Connection struct {
	mu   sync.Mutex
	cfg  Config
	log  *slog.Logger
	role jls.Role

	phase  Phase
	connID uint64
	auth   *jls.AuthContext

	clientRandom [jls.RandomSize]byte
	serverRandom [jls.RandomSize]byte

	sendSealer *jls.PacketSealer
	recvSealer *jls.PacketSealer
	earlySend  *jls.PacketSealer
	earlyRecv  *jls.PacketSealer

	usedZeroRTT   bool
	earlyAccepted bool
	demoted       bool

	sendPN     uint64
	recvFilter replay.Filter
	tracker    *congestion.Tracker
	ctrl       congestion.Controller
	lastRTT    time.Duration

	streams      map[uint32]*Stream
	nextStreamID uint32
	accepted     []*Stream

	sentChunks  map[uint64]sentRecord
	pendingAcks []uint64
	ctrlFrames  []byte

	timers       timerQueue
	pacingAt     time.Time
	pacingBudget int64

	handoff     *Handoff
	closeReason byte
}

// NewClient creates the client side of a connection. Start begins the
// handshake.
func NewClient(cfg Config) (*Connection, error) {
	return newConnection(cfg, jls.RoleClient)
}

// NewServer creates the server side; it waits for a client hello.
func NewServer(cfg Config) (*Connection, error) {
	return newConnection(cfg, jls.RoleServer)
}

func newConnection(cfg Config, role jls.Role) (*Connection, error) {
	cfg = cfg.withDefaults()
	if cfg.Send == nil {
		return nil, errors.New("conn: Send is required")
	}
	c := &Connection{
		cfg:        cfg,
		log:        cfg.Logger,
		role:       role,
		phase:      Init,
		connID:     cfg.ConnID,
		tracker:    congestion.NewTracker(),
		ctrl:       congestion.NewBBR(cfg.Congestion),
		streams:    make(map[uint32]*Stream),
		sentChunks: make(map[uint64]sentRecord),
	}
	if role == jls.RoleClient {
		c.nextStreamID = 1
		if c.connID == 0 {
			var buf [8]byte
			if _, err := rand.Read(buf[:]); err != nil {
				return nil, err
			}
			c.connID = binary.BigEndian.Uint64(buf[:])
		}
	} else {
		c.nextStreamID = 2
	}
	return c, nil
}

// Start sends the client hello. The 0-RTT gate is consulted at send
// time: with a usable ticket the connection enters Handshaking0RTT and
// may carry speculative stream data immediately, otherwise it takes
// the full 1-RTT path.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != jls.RoleClient || c.phase != Init {
		return ErrClosed
	}
	now := c.cfg.Now()
	c.auth = jls.NewAuthContext(jls.RoleClient, now)
	if _, err := rand.Read(c.clientRandom[:]); err != nil {
		return err
	}
	ts := tai64n.At(now)
	token := jls.ProduceToken(c.cfg.PSK, jls.RoleClient, c.connID, ts, c.clientRandom)
	c.auth.Timestamp = ts
	c.auth.Random = c.clientRandom
	c.auth.Token = token

	hello := clientHello{
		ConnID:    c.connID,
		Timestamp: ts,
		Random:    c.clientRandom,
		Token:     token,
	}

	next := Handshaking1RTT
	if c.cfg.Tickets != nil && c.cfg.Identity != "" {
		if t, sealed, ok := c.cfg.Tickets.Take(c.cfg.Identity, now); ok {
			hello.Early = true
			hello.Ticket = sealed
			keys := jls.DeriveEarlyKeys(t.Secret, c.connID, c.clientRandom)
			sealer, err := jls.NewPacketSealer(keys.ClientToServer)
			if err != nil {
				return err
			}
			c.earlySend = sealer
			c.usedZeroRTT = true
			next = Handshaking0RTT
		}
	}
	if err := c.transitionLocked(next); err != nil {
		return err
	}
	c.timers.schedule(timerHandshake, now.Add(c.cfg.HandshakeTimeout))
	return c.cfg.Send(encodeClientHello(hello, randomPad(c.cfg.Padding)))
}

// HandleDatagram processes one inbound datagram. On a server that
// rejects the handshake it returns the handoff for the fallback path;
// nothing distinguishable is ever written back to the peer.
func (c *Connection) HandleDatagram(b []byte, now time.Time) (*Handoff, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(b) == 0 || c.phase == Drained || c.phase == Rejected {
		return nil, nil
	}

	switch {
	case c.role == jls.RoleServer && c.phase == Init:
		c.handleClientHelloLocked(b, now)
	case c.role == jls.RoleClient && c.phase.handshaking():
		if b[0] == pktServerHello {
			c.handleServerHelloLocked(b, now)
		}
		// anything else before the reply is either reordered or not
		// ours; the handshake timer bounds the wait
	case c.phase == Established || c.phase == Closing:
		c.handleProtectedLocked(b, now)
	}

	c.flushLocked(now)
	h := c.handoff
	c.handoff = nil
	return h, nil
}

func (c *Connection) handleClientHelloLocked(b []byte, now time.Time) {
	hello, err := parseClientHello(b)
	if err != nil {
		// structural error before authentication completes
		c.rejectLocked(b)
		return
	}
	c.connID = hello.ConnID
	c.clientRandom = hello.Random
	c.auth = jls.NewAuthContext(jls.RoleServer, now)
	c.auth.Timestamp = hello.Timestamp
	c.auth.Random = hello.Random
	copy(c.auth.Token[:], hello.Token[:])

	outcome := jls.Validate(c.cfg.PSK, jls.RoleClient, hello.ConnID, hello.Timestamp, hello.Random, hello.Token[:], now, c.cfg.Skew)
	if outcome != jls.Authenticated {
		c.rejectLocked(b)
		return
	}
	fp := jls.Fingerprint(hello.Timestamp, hello.Random, hello.Token[:])
	c.auth.Fingerprint = fp
	if c.cfg.Replays != nil && !c.cfg.Replays.CheckAndAdd(fp, hello.Timestamp.Time().Add(c.cfg.Skew)) {
		// duplicate fingerprint inside the freshness window
		c.rejectLocked(b)
		return
	}

	next := Handshaking1RTT
	if hello.Early {
		next = Handshaking0RTT
	}
	if err := c.transitionLocked(next); err != nil {
		c.rejectLocked(b)
		return
	}

	if _, err := rand.Read(c.serverRandom[:]); err != nil {
		c.rejectLocked(b)
		return
	}
	if err := c.installSessionKeysLocked(); err != nil {
		c.rejectLocked(b)
		return
	}

	if hello.Early && c.cfg.Issuer != nil {
		if t, err := c.cfg.Issuer.Open(hello.Ticket, now); err == nil {
			keys := jls.DeriveEarlyKeys(t.Secret, c.connID, c.clientRandom)
			if sealer, err := jls.NewPacketSealer(keys.ClientToServer); err == nil {
				c.earlyRecv = sealer
				c.earlyAccepted = true
			}
		} else {
			c.logDebug("early data declined", "err", err)
		}
	}

	ts := tai64n.At(now)
	reply := serverHello{
		ConnID:        c.connID,
		EarlyAccepted: c.earlyAccepted,
		Timestamp:     ts,
		Random:        c.serverRandom,
		Token:         jls.ProduceToken(c.cfg.PSK, jls.RoleServer, c.connID, ts, c.serverRandom),
	}
	if err := c.cfg.Send(encodeServerHello(reply, randomPad(c.cfg.Padding))); err != nil {
		c.logDebug("server hello send failed", "err", err)
	}

	c.establishLocked(now)
	if c.cfg.Issuer != nil {
		c.issueTicketLocked(now)
	}
}

func (c *Connection) handleServerHelloLocked(b []byte, now time.Time) {
	hello, err := parseServerHello(b)
	if err != nil || hello.ConnID != c.connID {
		return
	}
	outcome := jls.Validate(c.cfg.PSK, jls.RoleServer, hello.ConnID, hello.Timestamp, hello.Random, hello.Token[:], now, c.cfg.Skew)
	if outcome != jls.Authenticated {
		// not from a holder of the secret; keep waiting
		return
	}
	c.serverRandom = hello.Random
	if err := c.installSessionKeysLocked(); err != nil {
		c.closeLocked(reasonProtocol, now)
		return
	}

	if c.phase == Handshaking0RTT && !hello.EarlyAccepted {
		c.demoteLocked(now)
	}
	c.establishLocked(now)
}

// demoteLocked downgrades a 0-RTT attempt: speculative data sent under
// early keys is requeued at its original stream offsets and resent
// under the session keys, so the application never observes the
// downgrade.
func (c *Connection) demoteLocked(now time.Time) {
	c.demoted = true
	c.earlySend = nil
	if c.cfg.Tickets != nil && c.cfg.Identity != "" {
		c.cfg.Tickets.Drop(c.cfg.Identity)
	}
	pns := make([]uint64, 0, len(c.sentChunks))
	for pn, rec := range c.sentChunks {
		if rec.early {
			pns = append(pns, pn)
		}
	}
	sort.Slice(pns, func(i, j int) bool { return pns[i] > pns[j] })
	for _, pn := range pns {
		rec := c.sentChunks[pn]
		delete(c.sentChunks, pn)
		c.tracker.OnLoss(pn)
		for i := len(rec.chunks) - 1; i >= 0; i-- {
			if s, ok := c.streams[rec.chunks[i].ID]; ok {
				s.requeueLocked(rec.chunks[i])
			}
		}
	}
	if err := c.transitionLocked(Handshaking1RTT); err == nil {
		c.logDebug("0-rtt demoted to 1-rtt")
	}
}

func (c *Connection) installSessionKeysLocked() error {
	keys := jls.DeriveSessionKeys(c.cfg.PSK, c.connID, c.clientRandom, c.serverRandom)
	send, recv := keys.ClientToServer, keys.ServerToClient
	if c.role == jls.RoleServer {
		send, recv = recv, send
	}
	sendSealer, err := jls.NewPacketSealer(send)
	if err != nil {
		return err
	}
	recvSealer, err := jls.NewPacketSealer(recv)
	if err != nil {
		return err
	}
	c.sendSealer = sendSealer
	c.recvSealer = recvSealer
	return nil
}

func (c *Connection) establishLocked(now time.Time) {
	if err := c.transitionLocked(Established); err != nil {
		return
	}
	c.auth = nil
	c.timers.cancel(timerHandshake)
	c.timers.schedule(timerIdle, now.Add(c.cfg.IdleTimeout))
	c.timers.schedule(timerKeepAlive, now.Add(c.cfg.KeepAlive))
}

func (c *Connection) issueTicketLocked(now time.Time) {
	t, sealed, err := c.cfg.Issuer.Issue(now)
	if err != nil {
		c.logDebug("ticket issuance failed", "err", err)
		return
	}
	c.ctrlFrames = appendTicketFrame(c.ctrlFrames, ticketFrame{
		ID:       t.ID,
		Secret:   t.Secret,
		IssuedAt: t.IssuedAt.Unix(),
		Lifetime: uint32(t.Lifetime / time.Second),
		MaxUses:  uint16(t.MaxUses),
		Sealed:   sealed,
	})
}

// rejectLocked moves the connection to the terminal Rejected phase and
// prepares the fallback handoff. No reply of any kind is sent.
func (c *Connection) rejectLocked(initial []byte) {
	if c.phase == Init {
		c.phase = Handshaking1RTT
	}
	if err := c.transitionLocked(Rejected); err != nil {
		return
	}
	if c.auth != nil {
		c.auth.Outcome = jls.Rejected
		c.auth = nil
	}
	c.timers.clear()
	c.handoff = &Handoff{Initial: append([]byte(nil), initial...)}
}

func (c *Connection) handleProtectedLocked(b []byte, now time.Time) {
	var sealer *jls.PacketSealer
	switch b[0] {
	case pktEarly:
		if c.role != jls.RoleServer || !c.earlyAccepted || c.earlyRecv == nil {
			return
		}
		sealer = c.earlyRecv
	case pktData:
		if c.recvSealer == nil {
			return
		}
		sealer = c.recvSealer
	default:
		return
	}

	pn, payload, err := openPacket(sealer, b)
	if err != nil {
		// decryption failure outside the handshake is connection-fatal
		c.closeLocked(reasonProtocol, now)
		return
	}
	if !c.recvFilter.Accept(pn) {
		return
	}
	fr, err := parseFrames(payload)
	if err != nil {
		c.closeLocked(reasonProtocol, now)
		return
	}

	if c.phase == Established {
		c.timers.schedule(timerIdle, now.Add(c.cfg.IdleTimeout))
	}

	for _, ackedPN := range fr.Acks {
		sample, ok := c.tracker.OnAck(ackedPN, now)
		if !ok {
			continue
		}
		delete(c.sentChunks, ackedPN)
		c.lastRTT = sample.RTT
		c.ctrl.OnAck(sample)
	}
	for _, chunk := range fr.Streams {
		s, ok := c.streams[chunk.ID]
		if !ok {
			s = newStream(c, chunk.ID)
			c.streams[chunk.ID] = s
			c.accepted = append(c.accepted, s)
		}
		s.deliverLocked(chunk)
	}
	for _, tf := range fr.Tickets {
		if c.cfg.Tickets == nil || c.cfg.Identity == "" {
			continue
		}
		t := ticket.Ticket{
			ID:       tf.ID,
			Secret:   tf.Secret,
			IssuedAt: time.Unix(tf.IssuedAt, 0),
			Lifetime: time.Duration(tf.Lifetime) * time.Second,
			MaxUses:  int(tf.MaxUses),
		}
		c.cfg.Tickets.Put(c.cfg.Identity, t, tf.Sealed)
	}
	if fr.Close != nil && c.phase == Established {
		c.closeReason = *fr.Close
		if err := c.transitionLocked(Closing); err == nil {
			c.timers.clear()
			c.timers.schedule(timerDrain, now.Add(c.cfg.DrainInterval))
		}
	}

	if fr.ackEliciting() {
		c.pendingAcks = append(c.pendingAcks, pn)
	}
}

// sendableLocked reports whether application writes are acceptable in
// the current phase. Data queued during Handshaking1RTT is held until
// the handshake completes.
func (c *Connection) sendableLocked() error {
	switch c.phase {
	case Closing, Drained, Rejected:
		return ErrClosed
	default:
		return nil
	}
}

func (c *Connection) nextPNLocked() uint64 {
	c.sendPN++
	return c.sendPN
}

// flushLocked drives the send path: acknowledgments and control frames
// go out immediately, stream data is gated by the congestion window
// and the pacing budget.
func (c *Connection) flushLocked(now time.Time) {
	if c.phase == Rejected || c.phase == Drained || c.phase == Init {
		return
	}

	if len(c.pendingAcks) > 0 && c.sendSealer != nil {
		payload := appendAckFrame(nil, c.pendingAcks)
		c.pendingAcks = c.pendingAcks[:0]
		pkt := sealPacket(c.sendSealer, pktData, c.connID, c.nextPNLocked(), payload)
		if err := c.cfg.Send(pkt); err != nil {
			c.logDebug("ack send failed", "err", err)
		}
	}
	if len(c.ctrlFrames) > 0 && c.sendSealer != nil && c.phase == Established {
		payload := c.ctrlFrames
		c.ctrlFrames = nil
		pkt := sealPacket(c.sendSealer, pktData, c.connID, c.nextPNLocked(), payload)
		if err := c.cfg.Send(pkt); err != nil {
			c.logDebug("control send failed", "err", err)
		}
	}

	var sealer *jls.PacketSealer
	typ := pktData
	switch {
	case c.phase == Established && c.sendSealer != nil:
		sealer = c.sendSealer
	case c.phase == Handshaking0RTT && c.role == jls.RoleClient && c.earlySend != nil:
		// speculative 0-RTT data
		sealer = c.earlySend
		typ = pktEarly
	default:
		return
	}

	c.refillPacingLocked(now)
	mss := int(c.cfg.Congestion.MSS)

	ids := make([]uint32, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	blocked := false
	for _, id := range ids {
		s := c.streams[id]
		for s.hasDataLocked() {
			if !c.ctrl.CanSend(c.tracker.Inflight()) || c.pacingBudget < int64(mss) {
				blocked = true
				break
			}
			chunk, ok := s.nextChunkLocked(mss)
			if !ok {
				break
			}
			payload := appendStreamFrame(nil, chunk)
			pn := c.nextPNLocked()
			pkt := sealPacket(sealer, typ, c.connID, pn, payload)
			size := int64(len(pkt))
			c.tracker.OnSent(pn, size, now)
			c.ctrl.OnPacketSent(now, size)
			c.sentChunks[pn] = sentRecord{chunks: []streamChunk{chunk}, early: typ == pktEarly}
			c.pacingBudget -= size
			if err := c.cfg.Send(pkt); err != nil {
				c.logDebug("data send failed", "err", err)
			}
		}
		if blocked {
			break
		}
	}

	if len(c.sentChunks) > 0 || blocked {
		c.timers.schedule(timerRetransmit, now.Add(c.rtoLocked()/2))
	}
}

func (c *Connection) refillPacingLocked(now time.Time) {
	maxBurst := 10 * c.cfg.Congestion.MSS
	if c.pacingAt.IsZero() {
		c.pacingAt = now
		c.pacingBudget = maxBurst
		return
	}
	elapsed := now.Sub(c.pacingAt)
	if elapsed <= 0 {
		return
	}
	c.pacingAt = now
	c.pacingBudget += int64(float64(c.ctrl.PacingRate()) * elapsed.Seconds())
	if c.pacingBudget > maxBurst {
		c.pacingBudget = maxBurst
	}
}

func (c *Connection) rtoLocked() time.Duration {
	if c.lastRTT <= 0 {
		return 500 * time.Millisecond
	}
	rto := 4 * c.lastRTT
	if rto < 200*time.Millisecond {
		rto = 200 * time.Millisecond
	}
	if rto > 3*time.Second {
		rto = 3 * time.Second
	}
	return rto
}

func (c *Connection) detectLossLocked(now time.Time) {
	rto := c.rtoLocked()
	for _, pn := range c.tracker.Outstanding() {
		sentAt, ok := c.tracker.SentAt(pn)
		if !ok || now.Sub(sentAt) <= rto {
			continue
		}
		bytes, ok := c.tracker.OnLoss(pn)
		if !ok {
			continue
		}
		c.ctrl.OnLoss(now, bytes)
		rec := c.sentChunks[pn]
		delete(c.sentChunks, pn)
		for i := len(rec.chunks) - 1; i >= 0; i-- {
			if s, ok := c.streams[rec.chunks[i].ID]; ok {
				s.requeueLocked(rec.chunks[i])
			}
		}
	}
}

// Advance processes due timers and flushes whatever became sendable.
// Callers schedule it off NextTimeout.
func (c *Connection) Advance(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range c.timers.pop(now) {
		switch kind {
		case timerIdle:
			c.closeLocked(reasonIdle, now)
		case timerKeepAlive:
			if c.phase == Established {
				c.ctrlFrames = appendPingFrame(c.ctrlFrames)
				c.timers.schedule(timerKeepAlive, now.Add(c.cfg.KeepAlive))
			}
		case timerDrain:
			c.drainLocked()
		case timerHandshake:
			if c.phase.handshaking() {
				c.closeLocked(reasonTimeout, now)
			}
		case timerRetransmit:
			c.detectLossLocked(now)
		}
	}
	c.flushLocked(now)
}

// NextTimeout returns the earliest pending timer deadline.
func (c *Connection) NextTimeout() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers.next()
}

func (c *Connection) closeLocked(reason byte, now time.Time) {
	switch c.phase {
	case Closing, Drained, Rejected:
		return
	case Init:
		c.phase = Drained
		return
	}
	c.closeReason = reason
	if c.sendSealer != nil && c.phase == Established {
		payload := appendCloseFrame(nil, reasonNormal)
		pkt := sealPacket(c.sendSealer, pktData, c.connID, c.nextPNLocked(), payload)
		if err := c.cfg.Send(pkt); err != nil {
			c.logDebug("close send failed", "err", err)
		}
	}
	if err := c.transitionLocked(Closing); err != nil {
		return
	}
	c.timers.clear()
	c.timers.schedule(timerDrain, now.Add(c.cfg.DrainInterval))
}

// drainLocked releases everything after the drain interval; late
// packets are discarded harmlessly by phase checks.
func (c *Connection) drainLocked() {
	if err := c.transitionLocked(Drained); err != nil {
		return
	}
	c.timers.clear()
	c.streams = make(map[uint32]*Stream)
	c.accepted = nil
	c.sentChunks = make(map[uint64]sentRecord)
	c.pendingAcks = nil
	c.ctrlFrames = nil
	c.handoff = nil
}

// Close starts a graceful shutdown. Safe to call concurrently with
// in-flight handlers.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(reasonNormal, c.cfg.Now())
	return nil
}

func (c *Connection) transitionLocked(to Phase) error {
	if !canTransition(c.phase, to) {
		return errIllegalTransition
	}
	c.logDebug("phase transition", "from", c.phase.String(), "to", to.String())
	c.phase = to
	return nil
}

// OpenStream creates a locally initiated stream.
func (c *Connection) OpenStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextStreamID
	c.nextStreamID += 2
	s := newStream(c, id)
	c.streams[id] = s
	return s
}

// AcceptStream pops the next peer-initiated stream, or nil when none
// is pending.
func (c *Connection) AcceptStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.accepted) == 0 {
		return nil
	}
	s := c.accepted[0]
	c.accepted = c.accepted[1:]
	return s
}

// Phase returns the current lifecycle phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ConnID returns the connection identifier.
func (c *Connection) ConnID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// UsedZeroRTT reports whether the handshake was attempted with 0-RTT.
func (c *Connection) UsedZeroRTT() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedZeroRTT
}

// Demoted reports whether a 0-RTT attempt was downgraded to 1-RTT.
func (c *Connection) Demoted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.demoted
}

// CloseReason returns the local diagnostic reason after Closing.
func (c *Connection) CloseReason() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Connection) logDebug(msg string, args ...any) {
	if c.log != nil {
		c.log.Debug(msg, args...)
	}
}
