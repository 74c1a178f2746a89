// Package socketio wraps OS UDP sockets behind the readiness-event
// contract described in spec.md §4.4 and §9 ("the coroutine-style
// event loop ... should be a concrete scheduling abstraction: either
// OS-thread-per-socket-group with blocking reads, or a single reactor
// with readiness events"). This module picks the first option: one
// dedicated goroutine per bound socket performs blocking reads and
// pushes decoded datagrams onto a channel, which is the Go-idiomatic
// equivalent of a reactor's ReadReady callback without inventing a
// bespoke epoll wrapper: the teacher's own QUICProxyConn
// (sockatz/common/conn.go) uses the identical shape — an internal
// goroutine plus channels of *pkt substituting for kernel readiness
// events, gated by worker.Worker's halt channel.
package socketio

import (
	"errors"
	"fmt"
	"net"

	"github.com/rist-go/rist/internal/worker"
)

// Datagram is one inbound UDP packet plus its source address.
type Datagram struct {
	Payload []byte
	Src     *net.UDPAddr
}

// ErrNetworkUnreachable is surfaced on persistent send failure. It is
// returned to the caller only; no peer state changes because of it.
var ErrNetworkUnreachable = errors.New("socketio: network unreachable")

// Socket is a non-blocking-from-the-caller's-perspective UDP endpoint:
// Recv() pulls the next datagram from an internal buffered channel
// fed by a dedicated reader goroutine, so callers never block the
// shared worker pool on socket I/O.
type Socket struct {
	worker.Worker

	conn    *net.UDPConn
	inbound chan Datagram
	errs    chan error
}

// Options configures socket construction.
type Options struct {
	// MulticastInterface, if set, joins the multicast group bound to
	// this named interface (spec.md §4.4 "Multicast join on a
	// specified interface").
	MulticastInterface string
	// RecvBufferSize sets the OS socket receive buffer size in bytes;
	// zero leaves the OS default.
	RecvBufferSize int
	// QueueDepth bounds the inbound channel; once full, the reader
	// goroutine blocks applying natural backpressure to the socket
	// rather than the caller.
	QueueDepth int
}

// Bind opens a UDP socket on addr (which may be a multicast address
// when opts.MulticastInterface is set) and starts its reader goroutine.
func Bind(addr *net.UDPAddr, opts Options) (*Socket, error) {
	var conn *net.UDPConn
	var err error

	if opts.MulticastInterface != "" && addr.IP.IsMulticast() {
		iface, ifErr := net.InterfaceByName(opts.MulticastInterface)
		if ifErr != nil {
			return nil, fmt.Errorf("socketio: resolve multicast interface %q: %w", opts.MulticastInterface, ifErr)
		}
		conn, err = net.ListenMulticastUDP("udp", iface, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("socketio: bind %s: %w", addr, err)
	}

	if opts.RecvBufferSize > 0 {
		_ = conn.SetReadBuffer(opts.RecvBufferSize)
	}

	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	s := &Socket{
		conn:    conn,
		inbound: make(chan Datagram, depth),
		errs:    make(chan error, 1),
	}
	s.Go(s.readLoop)
	return s, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Socket) readLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}

		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			select {
			case s.errs <- err:
			default:
			}
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case s.inbound <- Datagram{Payload: payload, Src: src}:
		case <-s.HaltCh():
			return
		}
	}
}

// Recv returns the channel of inbound datagrams. Readers should select
// on it alongside HaltCh().
func (s *Socket) Recv() <-chan Datagram {
	return s.inbound
}

// Errs returns the channel of read errors (best-effort, depth 1: a
// burst of errors only surfaces the first until drained).
func (s *Socket) Errs() <-chan error {
	return s.errs
}

// Send transmits payload to dst. A transient EWOULDBLOCK-equivalent
// condition (a net.Error whose Timeout() is true) is returned as is for
// the caller to retry on next tick; any other failure is wrapped in
// ErrNetworkUnreachable.
func (s *Socket) Send(dst *net.UDPAddr, payload []byte) error {
	_, err := s.conn.WriteToUDP(payload, dst)
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err // transient, caller retries on next tick
	}
	return fmt.Errorf("%w: %s: %s", ErrNetworkUnreachable, dst, err)
}

// Close halts the reader goroutine and closes the underlying socket.
func (s *Socket) Close() error {
	s.Halt()
	err := s.conn.Close()
	s.Wait()
	return err
}
