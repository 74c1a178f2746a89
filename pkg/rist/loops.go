package rist

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/rist-go/rist/pkg/cryptoengine"
	"github.com/rist-go/rist/pkg/peer"
	"github.com/rist-go/rist/pkg/recv"
	"github.com/rist-go/rist/pkg/send"
	"github.com/rist-go/rist/pkg/wire"
)

// readLoop drains the socket's decoded datagrams, demultiplexes them
// to a peer and flow, and applies the profile-specific codec, per
// spec.md §4.8's dispatcher role ("Routes incoming decoded packets to
// the correct flow").
func (ctx *Context) readLoop() {
	for {
		select {
		case <-ctx.HaltCh():
			return
		case dg, ok := <-ctx.sock.Recv():
			if !ok {
				return
			}
			ctx.handleDatagram(dg.Payload, dg.Src)
		}
	}
}

func (ctx *Context) handleDatagram(raw []byte, src *net.UDPAddr) {
	now := time.Now()
	from := ctx.findOrAdmitPeer(src, now)

	switch ctx.profile {
	case ProfileMain:
		dataPkt, ctrl, err := wire.DecodeMain(raw)
		if err != nil {
			ctx.log.Debugf("decode main from %s: %v", src, err)
			return
		}
		if dataPkt != nil {
			ctx.ingestData(dataPkt, from, now)
			return
		}
		ctx.handleControl(ctrl, from, now)
	default:
		tracker := ctx.rtpTrackerFor(src)
		pkt, err := wire.DecodeSimple(raw, tracker)
		if err != nil {
			ctx.log.Debugf("decode simple from %s: %v", src, err)
			return
		}
		ctx.ingestData(pkt, from, now)
	}
}

func (ctx *Context) findOrAdmitPeer(src *net.UDPAddr, now time.Time) *peer.Peer {
	p, ok := ctx.peers.LookupByAddress(src.String())
	if !ok {
		p = ctx.peers.Register(peer.Config{Address: src})
		ctx.log.Infof("auto-registered inbound peer %s at %s", p.ID(), src)
	}
	_ = p.OnDatagramReceived(now)
	return p
}

func (ctx *Context) rtpTrackerFor(src *net.UDPAddr) *wire.SimpleEpochTracker {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	key := src.String()
	t, ok := ctx.rtpTracker[key]
	if !ok {
		t = &wire.SimpleEpochTracker{}
		ctx.rtpTracker[key] = t
	}
	return t
}

func (ctx *Context) ingestData(p *wire.Packet, from *peer.Peer, now time.Time) {
	if p.Flags&wire.FlagEncrypted != 0 {
		plain, ok := ctx.decrypt(p, now)
		if !ok {
			return
		}
		p = plain
	}
	if p.Flags&wire.FlagNPD != 0 {
		reconstructed, ok := ctx.reinsertNPD(p)
		if !ok {
			return
		}
		p = reconstructed
	}

	from.RecordReceived(now)
	flow := ctx.dispatcher.RecvFlow(p.FlowID, now)
	flow.Insert(p, now)
}

// reinsertNPD reverses FrameBitmap/Strip, restoring elided null TS
// packets so the delivered payload matches what the sender originally
// wrote, per spec.md §4.7. A receiver that can't parse the bitmap
// drops the packet rather than delivering a corrupt TS payload.
func (ctx *Context) reinsertNPD(p *wire.Packet) (*wire.Packet, bool) {
	reduced, bitmap, err := send.UnframeBitmap(p.Payload)
	if err != nil {
		ctx.log.Debugf("npd: %v", err)
		return nil, false
	}
	out := *p
	out.Payload = send.Reinsert(reduced, bitmap)
	out.Flags &^= wire.FlagNPD
	return &out, true
}

func (ctx *Context) decrypt(p *wire.Packet, now time.Time) (*wire.Packet, bool) {
	if ctx.keyMaterial == nil {
		ctx.log.Warnf("dropping encrypted packet: no key material configured")
		return nil, false
	}
	key, err := ctx.keyMaterial.KeyForGeneration(p.KeyGen)
	if err != nil {
		ctx.recordAuthFailure(now)
		return nil, false
	}
	plain, err := cryptoengine.Decrypt(key, p.Sequence, 0, p.Payload)
	if err != nil {
		ctx.recordAuthFailure(now)
		return nil, false
	}
	out := *p
	out.Payload = plain
	out.Flags &^= wire.FlagEncrypted
	return &out, true
}

func (ctx *Context) recordAuthFailure(now time.Time) {
	if ctx.failures == nil {
		return
	}
	if ctx.failures.RecordFailure(now) {
		ctx.log.Errorf("auth alarm: decrypt failure rate exceeded threshold")
	}
}

func (ctx *Context) handleControl(ctrl *wire.MainControlMessage, from *peer.Peer, now time.Time) {
	switch ctrl.Type {
	case wire.TLVOOB:
		var env oobEnvelope
		if err := cbor.Unmarshal(ctrl.Value, &env); err != nil {
			ctx.log.Debugf("oob: decode envelope from %s: %v", from.Address(), err)
			return
		}
		select {
		case ctx.oobIn <- oobMessage{payload: env.Payload, from: from}:
		default:
		}
		if h := ctx.currentOOBHandler(); h != nil {
			h(env.Payload, from)
		}
	case wire.TLVNackRange:
		pairs, err := wire.DecodeNackRange(ctrl.Value)
		if err != nil {
			return
		}
		if eng, ok := ctx.dispatcher.SendEngine(ctrl.FlowID); ok {
			eng.HandleNackRange(pairs, now)
			from.RecordRetransmitRequest(now)
		}
	case wire.TLVNackBitmap:
		entries, err := wire.DecodeNackBitmap(ctrl.Value)
		if err != nil {
			return
		}
		if eng, ok := ctx.dispatcher.SendEngine(ctrl.FlowID); ok {
			eng.HandleNackBitmap(entries, now)
			from.RecordRetransmitRequest(now)
		}
	case wire.TLVHandshake:
		_ = from.OnHandshakeAck(now)
	case wire.TLVKeepalive:
		// OnDatagramReceived already recorded the keepalive above.
	case wire.TLVKeyAnnounce:
		ctx.handleKeyAnnounce(ctrl, now)
	}
}

// handleKeyAnnounce installs the next key generation as pending at the
// activation time the sender announced, per spec.md §4.3 rollover: the
// receiver never receives key bytes over the wire, it re-derives the
// same key from the shared passphrase and the announced generation.
func (ctx *Context) handleKeyAnnounce(ctrl *wire.MainControlMessage, now time.Time) {
	if ctx.keyMaterial == nil || ctx.flags.Secret == "" || len(ctrl.Value) < 8 {
		return
	}
	activation := time.Unix(0, int64(binary.BigEndian.Uint64(ctrl.Value)))
	next := &cryptoengine.Key{
		Bytes:      cryptoengine.DeriveKey(ctx.flags.Secret, cryptoengine.GenerationNonce(ctrl.KeyGen), ctx.flags.KeySize, cryptoengine.DefaultPBKDF2Iterations),
		Size:       ctx.flags.KeySize,
		Generation: ctrl.KeyGen,
	}
	ctx.keyMaterial.InstallPendingAt(next, activation)
	ctx.log.Infof("key rollover announced: generation=%d activation=%s", ctrl.KeyGen, activation)
}

func (ctx *Context) currentOOBHandler() OOBHandler {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.oobHandler
}

// tickLoop drives the flow dispatcher's periodic work (NACK
// scheduling, in-order egress, idle eviction) and pushes delivered
// payloads into the Read() channel, per spec.md §4.8.
func (ctx *Context) tickLoop() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.HaltCh():
			return
		case now := <-ticker.C:
			delivered := ctx.dispatcher.Tick(now, 0)
			for _, results := range delivered {
				for _, r := range results {
					if r.Hole || r.Packet == nil {
						continue
					}
					select {
					case ctx.inbound <- r.Packet.Payload:
					case <-ctx.HaltCh():
						return
					}
				}
			}
			ctx.sendOutstandingNacks(now)
			ctx.maybeRolloverKey(now)
			ctx.maybePromoteKey(now)
		}
	}
}

// sendOutstandingNacks asks every receive flow for its aggregated due
// NACKs and transmits each one to every active peer, per spec.md §4.6
// Aggregation. Main profile only: NACKs are framed as a main-profile
// control TLV (wire.EncodeMainControl), which a simple-profile peer has
// no control channel to decode. The simple profile has no
// NACK/retransmit-request path at all, and the send engine retransmits
// only in answer to NACKs, so a simple-profile flow has no loss recovery:
// a missing packet is surfaced as a hole once its deadline passes.
func (ctx *Context) sendOutstandingNacks(now time.Time) {
	if ctx.role != roleReceiver || ctx.profile != ProfileMain {
		return
	}
	active := ctx.peers.Active()
	if len(active) == 0 {
		return
	}
	ctx.dispatcher.Range(func(flowID uint32, flow *recv.Flow) {
		tlvType, value := flow.AggregateNacks(now)
		if value == nil {
			return
		}
		raw, err := wire.EncodeMainControl(flowID, ctx.nextControlSeq(), 0, tlvType, value, wire.MaxPacketSize)
		if err != nil {
			return
		}
		for _, p := range active {
			_ = ctx.sock.Send(p.Address(), raw)
		}
	})
}

// maybeRolloverKey checks should_rollover and, on the sender, generates
// the next key generation, installs it as pending, and announces it to
// every active peer via KEY_ANNOUNCE, per spec.md §4.3. Main profile
// only: KEY_ANNOUNCE is a main-profile control message, and the simple
// (RTP-compatible) profile has no control channel to carry it on.
func (ctx *Context) maybeRolloverKey(now time.Time) {
	if ctx.role != roleSender || ctx.keyMaterial == nil || ctx.profile != ProfileMain {
		return
	}
	if !ctx.keyMaterial.ShouldRollover(now) {
		return
	}

	nextGen := ctx.keyMaterial.Current().Generation + 1
	next := &cryptoengine.Key{
		Bytes:      cryptoengine.DeriveKey(ctx.flags.Secret, cryptoengine.GenerationNonce(nextGen), ctx.flags.KeySize, cryptoengine.DefaultPBKDF2Iterations),
		Size:       ctx.flags.KeySize,
		Generation: nextGen,
	}
	ctx.keyMaterial.InstallPending(next, now, rolloverGrace(ctx.flags.SendParams.RTTMin))
	activation := next.ActivationTime

	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(activation.UnixNano()))
	for _, p := range ctx.peers.Active() {
		raw, err := wire.EncodeMainControl(ctx.flags.FlowID, ctx.nextControlSeq(), nextGen, wire.TLVKeyAnnounce, value[:], wire.MaxPacketSize)
		if err != nil {
			continue
		}
		_ = ctx.sock.Send(p.Address(), raw)
	}
	ctx.keyMaterial.SetRolloverDue(now.Add(ctx.flags.KeyRolloverInterval))
	ctx.log.Infof("key rollover triggered: generation=%d activation=%s", nextGen, activation)
}

// rolloverGrace is rollover_grace, default 2×rtt_min, per spec.md §4.3.
func rolloverGrace(rttMin time.Duration) time.Duration {
	if rttMin <= 0 {
		rttMin = 10 * time.Millisecond
	}
	return 2 * rttMin
}

// maybePromoteKey checks whether a pending key generation has reached
// its activation time and promotes it, per spec.md §4.3 rollover.
func (ctx *Context) maybePromoteKey(now time.Time) {
	if ctx.keyMaterial == nil {
		return
	}
	ctx.keyMaterial.MaybePromote(now)
}

// statsLoop publishes per-flow snapshots to the registered stats
// handler every StatsInterval, per spec.md §4.8/§4.9 stats_callback.
func (ctx *Context) statsLoop() {
	ticker := time.NewTicker(ctx.flags.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.HaltCh():
			return
		case <-ticker.C:
			h := ctx.currentStatsHandler()
			if h == nil {
				continue
			}
			h(ctx.dispatcher.Snapshots())
		}
	}
}

func (ctx *Context) currentStatsHandler() StatsHandler {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.statsHandler
}
