// Package rist is the Public Contract Layer described in spec.md §4.9:
// the opaque sender/receiver handles and the read/write API consumed
// by hosting tools (cmd/ristsender, cmd/ristreceiver). It is the one
// package that wires together every other component — socket I/O, the
// peer table and bonding policy, the flow dispatcher, the send/receive
// reliability engines, and the crypto engine — into the handful of
// operations spec.md §4.9 names.
//
// The shape of a Context (an opaque handle wrapping a worker.Worker,
// a background goroutine, and channels the caller reads/writes
// through) is grounded on the teacher's client2.Session: a struct
// built by a constructor, started explicitly, and torn down by
// halting its worker and waiting for the background goroutine to
// exit (client2/connection.go's Connect/Close pair).
package rist

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rist-go/rist/internal/worker"
	"github.com/rist-go/rist/pkg/cryptoengine"
	"github.com/rist-go/rist/pkg/flowtable"
	"github.com/rist-go/rist/pkg/peer"
	"github.com/rist-go/rist/pkg/recv"
	"github.com/rist-go/rist/pkg/send"
	"github.com/rist-go/rist/pkg/socketio"
	"github.com/rist-go/rist/pkg/wire"
)

// Profile re-exports the wire profile selector so callers never need
// to import pkg/wire directly just to pick a profile.
type Profile = wire.Profile

const (
	ProfileSimple = wire.ProfileSimple
	ProfileMain   = wire.ProfileMain
)

// MaxPacketSize re-exports the wire codec's default datagram budget,
// for CLI front-ends sizing their read buffers.
const MaxPacketSize = wire.MaxPacketSize

// KeySize re-exports the crypto engine's key-size selector so callers
// never need to import pkg/cryptoengine just to pick AES-128/256.
type KeySize = cryptoengine.KeySize

const (
	KeySize128 = cryptoengine.KeySize128
	KeySize256 = cryptoengine.KeySize256
)

// Errors returned by the contract layer's blocking operations.
var (
	// ErrQueueFull is returned by Write when the send engine's bitrate
	// cap has no tokens and the caller asked not to block.
	ErrQueueFull = send.ErrQueueFull
	// ErrTimeout is returned by Read/OOBRead when timeout elapses with
	// nothing delivered.
	ErrTimeout = errors.New("rist: timeout")
	// ErrClosed is returned by Read/Write after Destroy.
	ErrClosed = errors.New("rist: context closed")
	// ErrNotMainProfile is returned by OOBWrite/OOBRead on a simple
	// profile context (OOB is main-profile only, per spec.md §4.9).
	ErrNotMainProfile = errors.New("rist: out-of-band channel requires the main profile")
)

type role uint8

const (
	roleSender role = iota
	roleReceiver
)

// Flags configures a Context at creation time: the bits and knobs
// sender_create/receiver_create accept, per spec.md §4.9.
type Flags struct {
	// ListenAddr is the local UDP endpoint bound for this context's
	// control/data traffic. Zero value binds an ephemeral port on all
	// interfaces.
	ListenAddr *net.UDPAddr
	// MulticastInterface, if set, joins ListenAddr's multicast group
	// on this named interface (original_source/tools/ristsender.c's
	// --miface, carried per spec.md §4.4).
	MulticastInterface string
	// FlowID identifies the single media flow this context carries.
	FlowID uint32
	// NPDEnabled toggles null-packet deletion on the send path. It takes
	// effect under the main profile only, the one whose header carries
	// FlagNPD.
	NPDEnabled bool
	// Secret, if non-empty, enables AES payload encryption derived
	// from this passphrase (spec.md §4.3); KeySize defaults to 128.
	Secret  string
	KeySize cryptoengine.KeySize
	// KeyRolloverInterval is the time threshold driving should_rollover
	// on the sender (spec.md §4.3); zero takes the documented default.
	// Rollover only runs under the main profile, since KEY_ANNOUNCE is a
	// main-profile control message with no simple-profile equivalent.
	KeyRolloverInterval time.Duration
	// RecvParams/SendParams tune the reliability engines; zero values
	// take the documented defaults.
	RecvParams recv.Params
	SendParams send.Params
	// BufferCapacity sizes the recovery ring; zero derives it from
	// RecvParams.RecoveryLengthMax per recv.DeriveCapacity with a
	// conservative default bitrate assumption.
	BufferCapacity uint32
	// StatsInterval drives the stats_callback ticker; zero disables it.
	StatsInterval time.Duration
	// Registerer receives the prometheus collectors backing the stats
	// callback; nil uses a private, unregistered registry.
	Registerer prometheus.Registerer
}

func (f Flags) withDefaults() Flags {
	if f.KeySize == 0 {
		f.KeySize = cryptoengine.KeySize128
	}
	if f.BufferCapacity == 0 {
		f.BufferCapacity = recv.DeriveCapacity(f.RecvParams.RecoveryLengthMax, 20_000_000, wire.MaxPacketSize, 1.5)
	}
	if f.KeyRolloverInterval <= 0 {
		f.KeyRolloverInterval = 60 * time.Second
	}
	return f
}

// AuthHandler decides whether identity/secret presented during a
// peer's handshake is accepted, per spec.md §4.9 auth_handler_set.
type AuthHandler func(identity string) (secret string, ok bool)

// StatsHandler receives one snapshot per flow on each stats tick.
type StatsHandler func([]flowtable.Snapshot)

// OOBHandler receives an out-of-band datagram and the peer it arrived
// from (main profile only).
type OOBHandler func(payload []byte, from *peer.Peer)

// Context is the opaque sender or receiver handle spec.md §4.9 calls
// "ctx": peer_create, sender_write/receiver_read, oob_write/oob_read,
// and the observer-registration calls all take a *Context.
type Context struct {
	worker.Worker

	mu       sync.Mutex
	role     role
	profile  Profile
	flags    Flags
	log      *log.Logger
	started  bool
	closed   bool

	sock       *socketio.Socket
	peers      *peer.Table
	bonding    *peer.Bonding
	dispatcher *flowtable.Dispatcher

	keyMaterial *cryptoengine.KeyMaterial
	failures    *cryptoengine.FailureTracker

	sendEngine *send.Engine
	simpleSeq  uint32
	rtpTracker map[string]*wire.SimpleEpochTracker

	inbound chan []byte
	oobIn   chan oobMessage

	authHandler  AuthHandler
	statsHandler StatsHandler
	oobHandler   OOBHandler
}

type oobMessage struct {
	payload []byte
	from    *peer.Peer
}

func newContext(r role, profile Profile, flags Flags, logger *log.Logger) *Context {
	flags = flags.withDefaults()
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "rist"})
	}
	ctx := &Context{
		role:       r,
		profile:    profile,
		flags:      flags,
		log:        logger.WithPrefix(fmt.Sprintf("rist.%s", roleString(r))),
		peers:      peer.NewTable(),
		rtpTracker: make(map[string]*wire.SimpleEpochTracker),
		inbound:    make(chan []byte, 256),
		oobIn:      make(chan oobMessage, 64),
	}
	ctx.bonding = peer.NewBonding(ctx.peers)
	ctx.dispatcher = flowtable.New(flags.RecvParams, flags.BufferCapacity, flowtable.FlowIdleTimeout, flags.Registerer, ctx.log)
	if flags.Secret != "" {
		key := cryptoengine.DeriveKey(flags.Secret, []byte("rist-go-initial-nonce"), flags.KeySize, cryptoengine.DefaultPBKDF2Iterations)
		ctx.keyMaterial = cryptoengine.NewKeyMaterial(&cryptoengine.Key{Bytes: key, Size: flags.KeySize, Generation: 0})
		ctx.failures = cryptoengine.NewFailureTracker(time.Second, 10)
	}
	return ctx
}

func roleString(r role) string {
	if r == roleSender {
		return "sender"
	}
	return "receiver"
}

// SenderCreate builds a sender context, per spec.md §4.9
// sender_create(profile, flags).
func SenderCreate(profile Profile, flags Flags, logger *log.Logger) *Context {
	return newContext(roleSender, profile, flags, logger)
}

// ReceiverCreate builds a receiver context, per spec.md §4.9
// receiver_create(profile, flags).
func ReceiverCreate(profile Profile, flags Flags, logger *log.Logger) *Context {
	return newContext(roleReceiver, profile, flags, logger)
}

// PeerCreate registers a peer (address, weight, buffer parameters,
// secret) on ctx, per spec.md §4.9 peer_create(ctx, peer_config).
func (ctx *Context) PeerCreate(cfg peer.Config) (*peer.Peer, error) {
	if cfg.Address == nil {
		return nil, fmt.Errorf("rist: peer_create: address is required")
	}
	p := ctx.peers.Register(cfg)
	ctx.log.Infof("registered peer %s at %s (weight=%d)", p.ID(), p.Address(), p.Weight())
	return p, nil
}

// AuthHandlerSet registers the identity/secret acceptance callback,
// per spec.md §4.9 auth_handler_set.
func (ctx *Context) AuthHandlerSet(h AuthHandler) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.authHandler = h
}

// StatsCallbackSet registers the periodic stats observer, per
// spec.md §4.9 stats_callback_set. The stats loop reads the handler on
// every tick, so a handler set after Start is used from the next tick.
func (ctx *Context) StatsCallbackSet(h StatsHandler) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.statsHandler = h
}

// OOBCallbackSet registers the out-of-band datagram observer, per
// spec.md §4.9 oob_callback_set.
func (ctx *Context) OOBCallbackSet(h OOBHandler) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.oobHandler = h
}

// Start binds the local socket and launches the background
// read/tick/stats goroutines, per spec.md §4.9 start(ctx).
func (ctx *Context) Start() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.started {
		return nil
	}
	if ctx.closed {
		return ErrClosed
	}

	addr := ctx.flags.ListenAddr
	if addr == nil {
		addr = &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	}
	sock, err := socketio.Bind(addr, socketio.Options{MulticastInterface: ctx.flags.MulticastInterface})
	if err != nil {
		return fmt.Errorf("rist: start: %w", err)
	}
	ctx.sock = sock

	if ctx.role == roleSender {
		sendParams := ctx.flags.SendParams
		if ctx.flags.NPDEnabled && ctx.profile == ProfileMain {
			sendParams.NPDEnabled = true
		}
		ctx.sendEngine = send.NewEngine(ctx.flags.FlowID, sendParams, ctx.senderAdapter(), time.Now(), ctx.log.WithPrefix("send"))
		ctx.dispatcher.BindSendEngine(ctx.flags.FlowID, ctx.sendEngine, time.Now())
		if ctx.keyMaterial != nil && ctx.profile == ProfileMain {
			ctx.keyMaterial.SetRolloverDue(time.Now().Add(ctx.flags.KeyRolloverInterval))
		}
	}

	ctx.Go(ctx.readLoop)
	ctx.Go(ctx.tickLoop)
	if ctx.flags.StatsInterval > 0 {
		ctx.Go(ctx.statsLoop)
	}

	ctx.started = true
	ctx.log.Infof("started on %s", sock.LocalAddr())
	return nil
}

// LocalAddr returns the bound local address once Start has succeeded,
// or nil beforehand.
func (ctx *Context) LocalAddr() *net.UDPAddr {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.sock == nil {
		return nil
	}
	return ctx.sock.LocalAddr()
}

// Destroy halts background goroutines and releases the socket, per
// spec.md §4.9 destroy(ctx). Idempotent.
func (ctx *Context) Destroy() error {
	ctx.mu.Lock()
	if ctx.closed {
		ctx.mu.Unlock()
		return nil
	}
	ctx.closed = true
	sock := ctx.sock
	started := ctx.started
	ctx.mu.Unlock()

	ctx.Halt()
	var err error
	if sock != nil {
		err = sock.Close()
	}
	if started {
		ctx.Wait()
	}
	if ctx.keyMaterial != nil {
		ctx.keyMaterial.Destroy()
	}
	return err
}

// senderSink adapts *send.Engine's Sender interface onto the bonded
// peer set, fanning each write out to the selected peer's address.
type senderSink struct {
	ctx *Context
}

func (ctx *Context) senderAdapter() send.Sender {
	return senderSink{ctx: ctx}
}

func (s senderSink) Send(p *wire.Packet, seq uint32) error {
	return s.ctx.transmit(p)
}

func (ctx *Context) transmit(p *wire.Packet) error {
	target := ctx.bonding.Select()
	if target == nil {
		return fmt.Errorf("rist: transmit: %w", socketio.ErrNetworkUnreachable)
	}

	if ctx.keyMaterial != nil {
		key := ctx.keyMaterial.Current()
		cipherText, err := cryptoengine.Encrypt(key, p.Sequence, 0, p.Payload)
		if err != nil {
			return fmt.Errorf("rist: encrypt: %w", err)
		}
		p = &wire.Packet{
			Sequence: p.Sequence, FlowID: p.FlowID, VirtSrcPort: p.VirtSrcPort,
			VirtDstPort: p.VirtDstPort, TimestampNTP: p.TimestampNTP,
			Flags: p.Flags | wire.FlagEncrypted, KeyGen: key.Generation, Payload: cipherText,
		}
	}

	var raw []byte
	var err error
	switch ctx.profile {
	case ProfileMain:
		raw, err = wire.EncodeMainData(p, wire.MaxPacketSize)
	default:
		raw, err = wire.EncodeSimple(p, false, wire.MaxPacketSize)
	}
	if err != nil {
		return fmt.Errorf("rist: encode: %w", err)
	}

	if err := ctx.sock.Send(target.Address(), raw); err != nil {
		return err
	}
	_ = target.OnOutboundOrInboundFirstContact(time.Now())
	return nil
}

// Write enqueues an application payload for transmission, per
// spec.md §4.9 sender_write(ctx, data_block). block selects whether
// to wait for bitrate-cap capacity (true) or return ErrQueueFull
// immediately (false).
func (ctx *Context) Write(payload []byte, block bool) (int, error) {
	ctx.mu.Lock()
	closed := ctx.closed
	engine := ctx.sendEngine
	ctx.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if engine == nil {
		return 0, fmt.Errorf("rist: write: context is not a sender, or Start was not called")
	}
	_, err := engine.Write(payload, time.Now(), block)
	if err != nil {
		return 0, err
	}
	return len(payload), nil
}

// Read returns the next in-order payload, or ErrTimeout/ErrClosed, per
// spec.md §4.9 receiver_read(ctx, &out, timeout_ms). A zero timeout
// blocks indefinitely until data arrives or the context is destroyed.
func (ctx *Context) Read(timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case p, ok := <-ctx.inbound:
		if !ok {
			return nil, ErrClosed
		}
		return p, nil
	case <-deadline:
		return nil, ErrTimeout
	case <-ctx.HaltCh():
		return nil, ErrClosed
	}
}

// oobEnvelope frames an OOBWrite/OOBRead payload the way thin.go's
// client2 protocol frames its thin-client messages: the application
// payload is opaque bytes, but the wire envelope is cbor so future
// fields (sent-at, content type) can be added without breaking old
// readers.
type oobEnvelope struct {
	Payload []byte `cbor:"payload"`
}

// OOBWrite sends an out-of-band datagram to a specific peer over the
// control channel, main profile only, per spec.md §4.9 oob_write.
func (ctx *Context) OOBWrite(target *peer.Peer, payload []byte) error {
	if ctx.profile != ProfileMain {
		return ErrNotMainProfile
	}
	enc, err := cbor.Marshal(oobEnvelope{Payload: payload})
	if err != nil {
		return fmt.Errorf("rist: oob_write: encode envelope: %w", err)
	}
	raw, err := wire.EncodeMainControl(ctx.flags.FlowID, ctx.nextControlSeq(), 0, wire.TLVOOB, enc, wire.MaxPacketSize)
	if err != nil {
		return fmt.Errorf("rist: oob_write: %w", err)
	}
	return ctx.sock.Send(target.Address(), raw)
}

// OOBRead returns the next out-of-band datagram received, or
// ErrTimeout/ErrClosed, per spec.md §4.9 oob_read.
func (ctx *Context) OOBRead(timeout time.Duration) ([]byte, *peer.Peer, error) {
	if ctx.profile != ProfileMain {
		return nil, nil, ErrNotMainProfile
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case m, ok := <-ctx.oobIn:
		if !ok {
			return nil, nil, ErrClosed
		}
		return m.payload, m.from, nil
	case <-deadline:
		return nil, nil, ErrTimeout
	case <-ctx.HaltCh():
		return nil, nil, ErrClosed
	}
}

func (ctx *Context) nextControlSeq() uint32 {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.simpleSeq++
	return ctx.simpleSeq
}
