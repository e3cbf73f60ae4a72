// Package transport wraps a raw non-blocking UDP socket for sending and
// receiving wire packets (spec §6 "Wire format... Maximum datagram size
// used is 2048 bytes on receive"). Grounded on
// other_examples/395c4612_iLukSbr-udp-server-and-client__clientudp.go for
// the net.ListenPacket/net.Dial("udp", ...) shape and
// other_examples/8e43c340_m277m277-kcptun__sess.go (kcp-go's session) for
// the non-blocking read-loop-over-net.PacketConn idiom. net itself is
// stdlib; no ecosystem library in the pack wraps raw UDP sockets more
// idiomatically than the standard library for this use case (DESIGN.md).
//
// Outbound packets are paced through a constant-time send queue, the same
// shape as katzenpost-client/send_queue.go's SendQueue: one dequeue per
// scheduling tick. A Provider endpoint multiplexes every flow Tick onto a
// single socket (cmd/cmb/main.go's flows map), so bursts from several
// flows landing on the same tick are serialized through this queue rather
// than fired at the kernel all at once.
//
// Every long-lived loop a Socket owns (the send worker, and any caller
// goroutine started via Go) is tracked by the embedded worker.Worker, the
// same halt discipline katzenpost-client/session/session.go and
// send_queue.go use for their own worker goroutines: Close halts them and
// waits for them to return instead of leaking them past shutdown.
package transport

import (
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/katzenpost/core/worker"
	lane "gopkg.in/oleiade/lane.v1"

	"github.com/cmb-protocol/cmb/internal/logging"
	"github.com/cmb-protocol/cmb/internal/wire"
)

// MaxDatagramSize is the largest inbound datagram this transport accepts
// (spec §6).
const MaxDatagramSize = 2048

// SendInterval is the send queue's scheduling tick, the same granularity
// the flow layers use for pacing (spec §4.5/§4.6 SCHEDULING_GRANULARITY).
const SendInterval = time.Millisecond

type queuedDatagram struct {
	addr net.Addr
	buf  []byte
}

// Socket owns one UDP endpoint, read by a single receive loop: on the
// Fetcher side that loop serves one flow, on the Provider side it serves
// every flow of the endpoint (see the package doc). The embedded
// worker.Worker tracks every goroutine started with
// Go (the send worker, plus any caller-supplied loops such as the read
// loop or a flow ticker) so Close can halt and join all of them.
type Socket struct {
	worker.Worker

	conn net.PacketConn
	log  *logging.Logger

	outq *lane.Queue
}

// Listen opens a UDP socket bound to addr (e.g. "0.0.0.0:9000" on the
// Provider side, "" for an ephemeral client port).
func Listen(log *logging.Logger, addr string) (*Socket, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &Socket{
		conn: conn,
		log:  log,
		outq: lane.NewQueue(),
	}
	s.Go(s.sendWorker)
	return s, nil
}

// LocalAddr reports the socket's bound local address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the socket and halts every goroutine this Socket owns
// (spec §5 "shutdown propagates by cancelling that scope, which unwinds
// its socket and tasks"). Closing the conn first unblocks any goroutine
// parked in ReadLoop's ReadFrom; Halt then signals HaltCh and waits for
// every Go'd goroutine, including the send worker, to return.
func (s *Socket) Close() error {
	err := s.conn.Close()
	s.Halt()
	return err
}

// SendTo encodes pkt and enqueues it for the next send tick.
func (s *Socket) SendTo(addr net.Addr, pkt wire.Packet) error {
	buf, err := wire.Encode(pkt)
	if err != nil {
		return err
	}
	s.outq.Enqueue(queuedDatagram{addr: addr, buf: buf})
	return nil
}

// sendWorker drains one queued datagram per SendInterval tick, in the
// style of send_queue.go's sendWorker ("send queue with constant time send
// scheduler").
func (s *Socket) sendWorker() {
	ticker := time.NewTicker(SendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-ticker.C:
		}
		if s.outq.Head() == nil {
			continue
		}
		item, ok := s.outq.Dequeue().(queuedDatagram)
		if !ok {
			continue
		}
		if _, err := s.conn.WriteTo(item.buf, item.addr); err != nil {
			s.log.Debugf("transport: outbound send to %s: %v", item.addr, err)
		}
	}
}

// Handler processes one decoded packet from addr. Invoked synchronously
// from ReadLoop (spec §5: "all callbacks registered on ... received
// packets are synchronous").
type Handler func(addr net.Addr, pkt wire.Packet)

// ReadLoop blocks reading datagrams until the socket is closed or an
// unrecoverable error occurs. Malformed datagrams are a recoverable
// decode error (spec §7 kind 2): logged at debug and dropped, not
// returned. ReadLoop returns nil when the socket was closed (normal
// shutdown via Close, spec §7 kind 7).
func (s *Socket) ReadLoop(handle Handler) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// A connection-reset/refused signal on a connectionless UDP
			// socket is a transient peer-liveness non-signal (spec §7
			// kind 3): drop and keep serving other peers.
			if isTransient(err) {
				s.log.Debugf("transport: transient read error: %v", err)
				continue
			}
			return err
		}
		pkt, decErr := wire.Decode(buf[:n])
		if decErr != nil {
			s.log.Debugf("transport: decode error from %s: %v", addr, decErr)
			continue
		}
		handle(addr, pkt)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
