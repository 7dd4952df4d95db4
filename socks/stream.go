// Package socks is the local SOCKS5 gate: it accepts connections from the
// bundled SSH forwarder, checks every CONNECT against the session's key
// store, and bridges allowed connections over the framing layer as
// SOCKET_DATA streams.
package socks

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rogett/google-secure-data-connector/protocol"
)

// frameSender is the slice of the writer arbiter the gate needs.
type frameSender interface {
	Send(t protocol.FrameType, payload []byte) error
}

// maxChunk bounds one SOCKET_DATA frame's data so a busy stream cannot
// monopolize the writer arbiter; the arbiter stays free to interleave other
// streams and health checks between chunks.
const maxChunk = 32 * 1024

// StreamSet owns every socket stream of one session. It mints the per-stream
// ids (32-bit, monotonically increasing, session-scoped) and is the
// dispatchee for SOCKET_DATA and CONNECTION_CONTROL frames.
type StreamSet struct {
	sender frameSender
	log    *slog.Logger

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	closed  bool
}

func NewStreamSet(sender frameSender, log *slog.Logger) *StreamSet {
	return &StreamSet{
		sender:  sender,
		log:     log,
		streams: make(map[uint32]*Stream),
		nextID:  1,
	}
}

// Open announces a new stream to the tunnel server and returns its local
// endpoint. The announcement carries the destination and its resource key so
// the far end can verify the stream against what was registered.
func (ss *StreamSet) Open(host string, port int, secret uint64) (*Stream, error) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return nil, net.ErrClosed
	}
	id := ss.nextID
	ss.nextID++
	st := newStream(ss, id, host, port)
	ss.streams[id] = st
	ss.mu.Unlock()

	payload, err := protocol.Marshal(protocol.ConnectionControl{
		StreamID: id,
		Op:       protocol.StreamOpen,
		Host:     host,
		Port:     port,
		Key:      secret,
	})
	if err != nil {
		ss.remove(id)
		return nil, err
	}
	if err := ss.sender.Send(protocol.FrameConnectionControl, payload); err != nil {
		ss.remove(id)
		return nil, err
	}
	ss.log.Debug("stream opened", "stream_id", id, "host", host, "port", port)
	return st, nil
}

func (ss *StreamSet) remove(id uint32) {
	ss.mu.Lock()
	delete(ss.streams, id)
	ss.mu.Unlock()
}

func (ss *StreamSet) lookup(id uint32) (*Stream, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	st, ok := ss.streams[id]
	return st, ok
}

// DispatchData handles inbound SOCKET_DATA frames. Runs on the reader task:
// delivery only appends to the stream's buffer, never blocks.
func (ss *StreamSet) DispatchData(fi protocol.FrameInfo) error {
	id, data, err := protocol.DecodeSocketData(fi.Payload)
	if err != nil {
		return err
	}
	st, ok := ss.lookup(id)
	if !ok {
		// The stream is already gone locally; tell the peer to stop sending.
		ss.log.Debug("data for unknown stream", "stream_id", id, "bytes", len(data))
		go ss.sendClose(id)
		return nil
	}
	st.deliver(data)
	return nil
}

// DispatchControl handles inbound CONNECTION_CONTROL frames. Only close is
// meaningful inbound: stream ids are minted locally, so a peer-initiated
// open has nowhere to land and is logged and ignored.
func (ss *StreamSet) DispatchControl(fi protocol.FrameInfo) error {
	var cc protocol.ConnectionControl
	if err := protocol.Unmarshal(fi.Payload, &cc); err != nil {
		return fmt.Errorf("connection control payload: %w", err)
	}
	switch cc.Op {
	case protocol.StreamClose:
		if st, ok := ss.lookup(cc.StreamID); ok {
			st.peerClosed()
		}
	case protocol.StreamOpen:
		ss.log.Warn("ignoring peer-initiated stream open", "stream_id", cc.StreamID)
	default:
		return fmt.Errorf("unknown connection control op %q", cc.Op)
	}
	return nil
}

func (ss *StreamSet) sendClose(id uint32) {
	payload, err := protocol.Marshal(protocol.ConnectionControl{StreamID: id, Op: protocol.StreamClose})
	if err != nil {
		return
	}
	if err := ss.sender.Send(protocol.FrameConnectionControl, payload); err != nil {
		ss.log.Debug("stream close not sent", "stream_id", id, "err", err)
	}
}

// CloseAll tears down every stream; called when the session dies.
func (ss *StreamSet) CloseAll() {
	ss.mu.Lock()
	ss.closed = true
	streams := make([]*Stream, 0, len(ss.streams))
	for _, st := range ss.streams {
		streams = append(streams, st)
	}
	ss.streams = make(map[uint32]*Stream)
	ss.mu.Unlock()

	for _, st := range streams {
		st.closeLocal()
	}
}

// Stream is one multiplexed byte stream riding SOCKET_DATA frames. It
// implements net.Conn so the SOCKS server can treat it like any dialed
// connection, including CloseWrite for half-close.
type Stream struct {
	set  *StreamSet
	id   uint32
	host string
	port int

	mu       sync.Mutex
	rbuf     bytes.Buffer
	readable chan struct{}
	reof     bool

	rdeadline time.Time

	wmu     sync.Mutex
	wclosed bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newStream(set *StreamSet, id uint32, host string, port int) *Stream {
	return &Stream{
		set:      set,
		id:       id,
		host:     host,
		port:     port,
		readable: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// deliver appends inbound bytes. Called from the reader task; the buffer
// grows as needed so dispatch never blocks on a slow local consumer.
func (s *Stream) deliver(data []byte) {
	s.mu.Lock()
	s.rbuf.Write(data)
	s.mu.Unlock()
	s.wake()
}

// peerClosed marks EOF for the read side without touching the write side:
// half-close, the peer may still be reading.
func (s *Stream) peerClosed() {
	s.mu.Lock()
	s.reof = true
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.readable <- struct{}{}:
	default:
	}
}

func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.rbuf.Len() > 0 {
			n, _ := s.rbuf.Read(p)
			s.mu.Unlock()
			return n, nil
		}
		if s.reof {
			s.mu.Unlock()
			return 0, io.EOF
		}
		deadline := s.rdeadline
		s.mu.Unlock()

		select {
		case <-s.closed:
			return 0, net.ErrClosed
		default:
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-s.readable:
		case <-s.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, net.ErrClosed
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.wclosed {
		return 0, net.ErrClosed
	}
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunk {
			chunk = p[:maxChunk]
		}
		if err := s.set.sender.Send(protocol.FrameSocketData, protocol.EncodeSocketData(s.id, chunk)); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// CloseWrite signals EOF to the peer without closing the read side. The
// SOCKS server's bridging loop uses it the way it would use a TCP
// half-close.
func (s *Stream) CloseWrite() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.wclosed {
		return nil
	}
	s.wclosed = true
	s.set.sendClose(s.id)
	return nil
}

// Close tears down both directions and forgets the stream.
func (s *Stream) Close() error {
	_ = s.CloseWrite()
	s.closeLocal()
	s.set.remove(s.id)
	return nil
}

func (s *Stream) closeLocal() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// ID is the session-scoped stream id.
func (s *Stream) ID() uint32 { return s.id }

type streamAddr struct{ desc string }

func (a streamAddr) Network() string { return "sdc" }
func (a streamAddr) String() string  { return a.desc }

// LocalAddr returns a zero TCP address: the SOCKS server reports the dialed
// connection's local address in its success reply and expects a *net.TCPAddr
// there. A tunnel stream has no meaningful local socket.
func (s *Stream) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (s *Stream) RemoteAddr() net.Addr {
	return streamAddr{desc: net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))}
}

func (s *Stream) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.rdeadline = t
	s.mu.Unlock()
	s.wake()
	return nil
}

// SetWriteDeadline is a no-op: writes land in the session's bounded queue
// and the arbiter applies backpressure, not per-stream timers.
func (s *Stream) SetWriteDeadline(time.Time) error { return nil }
