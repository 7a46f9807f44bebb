// Package connection drives one established transport link end to end:
// the serial handshake (if any), the once-per-connection authentication
// exchange, memory-block binding via mblk-info advertisements, and the
// steady-state receive/send/keepalive cycle, spec §4.9. Grounded on
// ioc_connection.c's ioc_run_connection and ioc_connection_receive.c's
// frame dispatch.
//
// The original ticks a single-threaded non-blocking state machine from
// an external scheduler. Idiomatic Go has no equivalent of a
// non-blocking read that returns "nothing yet" without an explicit
// poll, so this port restructures the tick into a background reader
// goroutine (mirroring the teacher's usock.go readLoop, which likewise
// decodes frames off a blocking Read into a channel/callback) feeding a
// single-goroutine dispatch-and-send loop in Run. The wire format and
// buffering rules are unchanged. The in-air budget records bytes sent
// and acknowledgements received, but the send path does not consult
// Budget.Room: sends are not held back when the budget is used up.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/iocafe/iocom-sub000/pkg/iocom/auth"
	"github.com/iocafe/iocom-sub000/pkg/iocom/codec"
	"github.com/iocafe/iocom-sub000/pkg/iocom/flowctl"
	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
	"github.com/iocafe/iocom-sub000/pkg/iocom/mblkinfo"
	"github.com/iocafe/iocom-sub000/pkg/iocom/root"
	"github.com/iocafe/iocom-sub000/pkg/iocom/sbuf"
	"github.com/iocafe/iocom-sub000/pkg/iocom/serialhs"
	"github.com/iocafe/iocom-sub000/pkg/iocom/tbuf"
	"github.com/iocafe/iocom-sub000/pkg/iocom/transport"
)

// Config configures a Connection before Run is called.
type Config struct {
	Root   *root.Root
	Stream transport.Stream

	// ConnectUp is true when this end initiated the connection (the
	// "upward" direction, IOC_CONNECT_UP); Listener is true when this
	// end accepted it. Exactly one should be true.
	ConnectUp bool
	Listener  bool

	BidirectionalMblks bool

	// DynamicMblks lets a received mblk-info advertisement that matches
	// no local block create one instead of being dropped (§4.5 DYNAMIC_MBLKS),
	// sized and flagged to mirror the peer's side.
	DynamicMblks bool

	Credentials auth.Credentials
	// Authorize approves or rejects a peer's credentials. A nil
	// Authorize accepts every connection unconditionally with no
	// per-network restriction.
	Authorize auth.Authorizer
}

// Connection is one live link between this root and a peer.
type Connection struct {
	id   uint32
	root *root.Root

	stream    transport.Stream
	transport codec.Transport

	connectUp    bool
	listener     bool
	bidiMblks    bool
	dynamicMblks bool

	credentials        auth.Credentials
	authorize          auth.Authorizer
	authState          auth.State
	authorizedNetworks []auth.AllowedNetwork
	remoteAddr         string

	handshake *serialhs.Handshake

	budget *flowctl.Budget
	timers *flowctl.Timers

	// bytesReceived/bytesAcked track the §4.7 receiver-side ack rule:
	// once bytesReceived-bytesAcked reaches the transport's
	// unacknowledged-byte limit, an ack frame goes out immediately
	// instead of waiting for the idle keep-alive tick. Both count only
	// data/system frame bytes, mirroring what writeFrame feeds into
	// budget.RecordSent on the peer's side of the same link.
	bytesReceived uint32
	bytesAcked    uint32

	outFrameNr byte

	advertiser mblkinfo.Advertiser

	mu            sync.Mutex
	sources       []*sbuf.Buffer
	targets       map[uint32]*tbuf.Buffer
	nextSend      int
	dynamicBlocks []uint32 // mblk_ids this connection created via DYNAMIC_MBLKS

	frames chan frameEvent
	errc   chan error
}

type frameEvent struct {
	header  *codec.Header
	encoded int // on-wire size of header's frame; unused for acks
	ack     bool
	rbytes  uint16
}

// New registers and returns a Connection over an already-open stream.
// The caller is responsible for dialing or accepting stream first
// (§2's transport layer); New only wires the IOCOM protocol state on
// top of it.
func New(cfg Config) (*Connection, error) {
	if cfg.Root == nil || cfg.Stream == nil {
		return nil, errors.New("connection: Root and Stream are required")
	}
	if cfg.ConnectUp == cfg.Listener {
		return nil, errors.New("connection: exactly one of ConnectUp/Listener must be set")
	}

	tr := codec.Socket
	if cfg.Stream.Serial() {
		tr = codec.Serial
	}

	c := &Connection{
		root:         cfg.Root,
		stream:       cfg.Stream,
		transport:    tr,
		connectUp:    cfg.ConnectUp,
		listener:     cfg.Listener,
		bidiMblks:    cfg.BidirectionalMblks,
		dynamicMblks: cfg.DynamicMblks,
		credentials:  cfg.Credentials,
		authorize:    cfg.Authorize,
		budget:       flowctl.NewBudget(cfg.Stream.Serial()),
		timers:       flowctl.NewTimers(cfg.Stream.Serial(), time.Now()),
		targets:      make(map[uint32]*tbuf.Buffer),
		frames:       make(chan frameEvent, 8),
		errc:         make(chan error, 1),
	}

	if cfg.Stream.Serial() {
		role := serialhs.Client
		if cfg.Listener {
			role = serialhs.Server
		}
		c.handshake = serialhs.New(role)
	}

	c.root.Lock()
	c.id = c.root.NextConnID()
	c.root.RegisterConnection(c.id, c)
	c.advertiser.Reset(c.root)
	c.root.Unlock()

	return c, nil
}

// SetRemoteAddr records the peer's address for authorization decisions
// and diagnostics; an end-point calls this right after Accept.
func (c *Connection) SetRemoteAddr(addr string) { c.remoteAddr = addr }

// RootRelease implements root.Attachable: detach every source/target
// buffer this connection owns, and sweep any memory block this
// connection created for DYNAMIC_MBLKS (§4.5 "record in the dynamic
// index" / removal on disconnect). Blocks the peer advertised that
// matched something already local survive; only dynamically created
// ones and the per-connection buffers over every block go away.
func (c *Connection) RootRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sources {
		s.Detach()
	}
	for _, t := range c.targets {
		t.Detach()
	}
	for _, id := range c.dynamicBlocks {
		if blk, ok := c.root.BlockByID(id); ok {
			blk.RootRelease()
		}
		c.root.UnregisterMblk(id)
		c.root.UnmarkDynamic(id)
	}
	c.sources = nil
	c.targets = map[uint32]*tbuf.Buffer{}
	c.dynamicBlocks = nil
}

// Close tears the connection down: it unregisters from the root,
// detaches every buffer, and closes the underlying stream.
func (c *Connection) Close() error {
	c.root.Lock()
	c.root.UnregisterConnection(c.id)
	c.root.ConnectionDropped()
	c.RootRelease()
	c.root.Unlock()
	return c.stream.Close()
}

// checkInterval and silence/keepalive periods for this connection's
// transport, matching ioc_run_connection's "select timing for socket or
// serial port".
func (c *Connection) checkInterval() time.Duration {
	if c.stream.Serial() {
		return flowctl.SerialCheckTimeouts
	}
	return flowctl.SocketCheckTimeouts
}

// unacknowledgedLimit is how many bytes may be received without an ack
// going back before one is sent proactively, rather than waiting for the
// idle keep-alive tick (§4.7).
func (c *Connection) unacknowledgedLimit() uint32 {
	if c.stream.Serial() {
		return flowctl.SerialUnacknowledgedLimit
	}
	return flowctl.SocketUnacknowledgedLimit
}

// Run drives the connection until ctx is cancelled or an unrecoverable
// protocol/transport error occurs, including a silence timeout. The
// caller should treat any returned error as "connection dropped" and
// call Close.
func (c *Connection) Run(ctx context.Context) error {
	if c.handshake != nil {
		if err := c.runHandshake(ctx); err != nil {
			return err
		}
	}

	if err := c.sendAuth(); err != nil {
		return fmt.Errorf("connection: send authentication: %w", err)
	}

	go c.readLoop(ctx)

	ticker := time.NewTicker(c.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-c.errc:
			return err

		case fe := <-c.frames:
			c.timers.MarkReceived(time.Now())
			if fe.ack {
				c.budget.RecordAck(uint32(fe.rbytes))
				continue
			}
			c.bytesReceived += uint32(fe.encoded)
			if err := c.dispatch(fe.header); err != nil {
				return err
			}
			if c.bytesReceived-c.bytesAcked >= c.unacknowledgedLimit() {
				if err := c.sendAck(); err != nil {
					return err
				}
			}

		case now := <-ticker.C:
			if c.timers.SilenceExpired(now) {
				return fmt.Errorf("connection: peer silent for too long")
			}
			if err := c.sendNext(); err != nil {
				return err
			}
			if c.timers.NeedsKeepalive(now) {
				if err := c.sendKeepalive(); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Connection) runHandshake(ctx context.Context) error {
	for !c.handshake.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.handshake.Step(c.stream); err != nil {
			return fmt.Errorf("connection: serial handshake: %w", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// readLoop reads raw bytes off the stream, decodes complete frames and
// acknowledgements, and pushes them to the dispatch loop. It exits on
// stream error or ctx cancellation, mirroring the teacher's
// USOCK.readLoop goroutine.
func (c *Connection) readLoop(ctx context.Context) {
	var acc []byte
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.stream.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.errc <- fmt.Errorf("connection: read: %w", err)
			} else {
				c.errc <- io.EOF
			}
			return
		}
		if n == 0 {
			continue
		}
		acc = append(acc, buf[:n]...)

		for len(acc) > 0 {
			consumed, fe, ok, err := c.parseOne(acc)
			if err != nil {
				c.errc <- fmt.Errorf("connection: malformed frame: %w", err)
				return
			}
			if !ok {
				break
			}
			acc = acc[consumed:]
			select {
			case c.frames <- fe:
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseOne attempts to decode exactly one frame or ack out of the front
// of acc. ok is false when acc does not yet hold a complete unit.
func (c *Connection) parseOne(acc []byte) (consumed int, fe frameEvent, ok bool, err error) {
	if acc[0] == codec.AckSentinel {
		need := codec.AckFrameLen(c.transport)
		if len(acc) < need {
			return 0, fe, false, nil
		}
		rbytes, ackOK := codec.DecodeAck(acc[:need])
		if !ackOK {
			return 0, fe, false, errors.New("malformed ack frame")
		}
		return need, frameEvent{ack: true, rbytes: rbytes}, true, nil
	}

	h, derr := codec.Decode(c.transport, acc)
	if derr != nil {
		if errors.Is(derr, codec.ErrShortBuffer) {
			return 0, fe, false, nil
		}
		return 0, fe, false, derr
	}

	n := codec.EncodedSize(c.transport, h)
	if c.transport == codec.Serial && !codec.VerifyCRC(acc[:n]) {
		return 0, fe, false, errors.New("serial frame failed CRC check")
	}
	return n, frameEvent{header: h, encoded: n}, true, nil
}

// dispatch handles one decoded data or system frame, matching
// ioc_process_received_data_frame / ioc_process_received_system_frame.
// Per §4.6, nothing but the authentication frame itself may be
// processed until authState.Ready(): the frame otherwise arrives before
// we know which networks the peer is even allowed to touch.
func (c *Connection) dispatch(h *codec.Header) error {
	c.root.Lock()
	defer c.root.Unlock()

	if h.IsSystemFrame() {
		if h.SysFrameType() != codec.SysFrameAuth && !c.authState.Ready() {
			return nil
		}
		return c.dispatchSystemFrame(h)
	}
	if !c.authState.Ready() {
		return nil
	}
	return c.dispatchDataFrame(h)
}

func (c *Connection) dispatchSystemFrame(h *codec.Header) error {
	if len(h.Payload) < 1 {
		return errors.New("empty system frame")
	}
	payload := h.Payload[1:]

	switch h.SysFrameType() {
	case codec.SysFrameMblkInfo:
		info, err := mblkinfo.Decode(payload, h.MblkID)
		if err != nil {
			return fmt.Errorf("mblkinfo: %w", err)
		}
		mblkinfo.ResolveDeviceNr(c.root, &info, c.root.AssignAutoDeviceNr())
		binding, err := mblkinfo.Bind(c.root, c.connectUp, c.bidiMblks, c.dynamicMblks, info)
		if err != nil {
			// No local block matches yet; the peer may advertise a
			// block we will create later, or never. Not fatal.
			return nil
		}
		c.registerBinding(binding)

	case codec.SysFrameAuth:
		creds, err := auth.Decode(payload, c.listener)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if c.authorize != nil {
			nets, err := c.authorize(creds, c.remoteAddr)
			if err != nil {
				return fmt.Errorf("authentication rejected: %w", err)
			}
			c.authorizedNetworks = nets
		}
		c.authState.Received = true
		c.root.ConnectionEstablished()

	case codec.SysFrameRemoveMblkRequest:
		c.mu.Lock()
		delete(c.targets, h.MblkID)
		for i, s := range c.sources {
			if s.RemoteMblkID == h.MblkID {
				s.Detach()
				c.sources = append(c.sources[:i], c.sources[i+1:]...)
				break
			}
		}
		c.mu.Unlock()

	default:
		return fmt.Errorf("unknown system frame subtype %d", h.SysFrameType())
	}
	return nil
}

func (c *Connection) dispatchDataFrame(h *codec.Header) error {
	c.mu.Lock()
	t := c.targets[h.MblkID]
	c.mu.Unlock()
	if t == nil {
		// Data for a block we have not bound yet (its mblk-info
		// advertisement may still be in flight); drop it.
		return nil
	}
	if !c.networkAuthorized(t.Block) {
		// Authenticated, but the peer's authorization list (set from
		// Authorize's result) does not cover this block's network; drop
		// it silently even though auth itself succeeded (§4.6).
		return nil
	}
	t.Accept(int(h.Addr), h.Payload, h.Flags)
	if h.Flags&codec.FlagSyncComplete != 0 {
		t.Commit()
	}
	return nil
}

// networkAuthorized reports whether blk's effective network was granted
// to this peer. A connection with no Authorize configured imposes no
// per-network restriction at all, matching Config.Authorize's "nil
// accepts every connection unconditionally" contract.
func (c *Connection) networkAuthorized(blk *mblk.Block) bool {
	if c.authorize == nil {
		return true
	}
	network := blk.NetworkName
	if network == "" {
		network = c.root.Identity.NetworkName
	}
	for _, n := range c.authorizedNetworks {
		if n.NetworkName == network {
			return true
		}
	}
	return false
}

// registerBinding wires a freshly matched Binding into this
// connection's send and receive paths. Outbound frames for the source
// side are labeled with the buffer's own RemoteMblkID (the id the peer
// assigned and expects to see, per Bind); inbound frames for the
// target side are looked up by our own local block's id, since the
// sender labels a data frame with the id its recipient (us) advertised
// for that block.
func (c *Connection) registerBinding(b *mblkinfo.Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.Source != nil {
		c.sources = append(c.sources, b.Source)
	}
	if b.Target != nil {
		c.targets[b.Target.Block.ID] = b.Target
	}
	if b.Created {
		c.dynamicBlocks = append(c.dynamicBlocks, b.Block.ID)
	}
}

// sendAuth transmits our own authentication frame, once, per §4.6.
func (c *Connection) sendAuth() error {
	if c.authState.Sent {
		return nil
	}
	creds := c.credentials
	creds.ConnectUp = c.connectUp
	payload := append([]byte{codec.SysFrameAuth}, auth.Encode(creds)...)
	if err := c.writeFrame(&codec.Header{
		Flags:   codec.FlagSystemFrame,
		Payload: payload,
	}); err != nil {
		return err
	}
	c.authState.Sent = true
	return nil
}

// sendNext advances the round-robin over attached source buffers and
// the mblk-info advertiser by one step each tick, matching
// ioc_connection_send's "send one frame to connection" (§4.9 step 4):
// at most one payload goes out per tick so a slow link is never asked
// to buffer more than one frame ahead.
func (c *Connection) sendNext() error {
	c.root.Lock()
	defer c.root.Unlock()

	if b := c.advertiser.Next(); b != nil {
		return c.sendMblkInfo(b)
	}

	c.mu.Lock()
	sources := c.sources
	c.mu.Unlock()
	if len(sources) == 0 {
		return nil
	}

	for i := 0; i < len(sources); i++ {
		idx := (c.nextSend + i) % len(sources)
		s := sources[idx]
		plan, ok := s.Prepare()
		if !ok || plan == nil {
			continue
		}
		c.nextSend = (idx + 1) % len(sources)
		return c.sendPlan(s, plan)
	}
	return nil
}

// sendMblkInfo advertises b to the peer. A block carries its own
// device identity only when it is mirroring a specific remote device's
// data (e.g. on a hub); otherwise it advertises under this root's own
// identity, the same fallback findMatch applies on the receiving end.
func (c *Connection) sendMblkInfo(b *mblk.Block) error {
	devNr, devName, netName := b.DeviceNr, b.DeviceName, b.NetworkName
	if devName == "" {
		devNr, devName, netName = c.root.Identity.DeviceNr, c.root.Identity.DeviceName, c.root.Identity.NetworkName
	}
	info := mblkinfo.Info{
		DeviceNr:    devNr,
		DeviceName:  devName,
		NetworkName: netName,
		MblkName:    b.Name,
		MblkID:      b.ID,
		NBytes:      b.Size(),
		Flags:       b.Flags,
	}
	payload := append([]byte{codec.SysFrameMblkInfo}, mblkinfo.Encode(info)...)
	return c.writeFrame(&codec.Header{
		Flags:   codec.FlagSystemFrame,
		MblkID:  b.ID,
		Payload: payload,
	})
}

func (c *Connection) sendPlan(s *sbuf.Buffer, plan *sbuf.Plan) error {
	var flags byte
	if plan.IsKeyframe {
		flags |= codec.FlagSyncComplete
	} else {
		flags |= codec.FlagDeltaEncoded | codec.FlagSyncComplete
	}
	if plan.Compressed {
		flags |= codec.FlagCompressed
	}
	err := c.writeFrame(&codec.Header{
		Flags:   flags,
		MblkID:  s.RemoteMblkID,
		Addr:    uint32(plan.Start),
		Payload: plan.Delta,
	})
	s.MarkSent()
	return err
}

// sendKeepalive sends an acknowledgement so the peer's silence timer
// resets even when nothing else needs sending; it is just sendAck on the
// idle timer rather than the unacknowledged-byte threshold.
func (c *Connection) sendKeepalive() error {
	return c.sendAck()
}

// sendAck sends an acknowledgement frame carrying this side's current
// bytesReceived, the running counter the peer's flowctl.Budget.RecordAck
// uses to free up its in-air room (§4.7).
func (c *Connection) sendAck() error {
	dst := make([]byte, codec.AckFrameLen(c.transport))
	n := codec.EncodeAck(c.transport, c.bytesReceived, dst)
	if _, err := c.stream.Write(dst[:n]); err != nil {
		return err
	}
	c.bytesAcked = c.bytesReceived
	c.timers.MarkSent(time.Now())
	return nil
}

func (c *Connection) writeFrame(h *codec.Header) error {
	h.FrameNr = c.nextFrameNr()
	dst := make([]byte, codec.EncodedSize(c.transport, h))
	n, err := codec.Encode(c.transport, h, dst)
	if err != nil {
		return err
	}
	if _, err := c.stream.Write(dst[:n]); err != nil {
		return err
	}
	c.budget.RecordSent(n)
	c.timers.MarkSent(time.Now())
	return nil
}

func (c *Connection) nextFrameNr() byte {
	n := c.outFrameNr
	if n == codec.FirstFrameNr || n >= codec.MaxFrameNr {
		c.outFrameNr = codec.MinFrameNr
	} else {
		c.outFrameNr = n + 1
	}
	return n
}
