package protocol

import (
	"context"
	"sync"
)

// FrameSender is the writer arbiter: every outbound frame passes through its
// bounded queue and is written by the single Run loop. Send assigns outbound
// sequence numbers at enqueue time under a lock, so the order frames enter
// the queue is the order their sequence numbers increase, and the wire stays
// monotonic.
//
// Handlers hold a FrameSender as a capability only; the session owns its
// lifetime.
type FrameSender struct {
	framer *Framer

	mu    sync.Mutex
	seq   uint64
	queue chan FrameInfo

	done chan struct{}
	once sync.Once
}

// NewFrameSender creates a sender with the given queue depth. A full queue
// blocks Send (bounded backpressure), it never grows without limit.
func NewFrameSender(f *Framer, queueLen int) *FrameSender {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &FrameSender{
		framer: f,
		queue:  make(chan FrameInfo, queueLen),
		done:   make(chan struct{}),
	}
}

// Send queues one frame for transmission. It blocks while the queue is full
// and fails with ErrSenderClosed once the arbiter has stopped.
func (s *FrameSender) Send(t FrameType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrSenderClosed
	default:
	}

	fi := FrameInfo{Type: t, Seq: s.seq, Payload: payload}
	select {
	case s.queue <- fi:
		s.seq++
		return nil
	case <-s.done:
		return ErrSenderClosed
	}
}

// Run drains the queue onto the wire until the context is cancelled, Close is
// called, or a write fails. On shutdown it drains whatever is already queued
// before returning.
func (s *FrameSender) Run(ctx context.Context) error {
	defer s.Close()
	for {
		select {
		case fi := <-s.queue:
			if err := s.framer.send(fi); err != nil {
				return err
			}
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case <-s.done:
			s.drain()
			return nil
		}
	}
}

func (s *FrameSender) drain() {
	for {
		select {
		case fi := <-s.queue:
			if err := s.framer.send(fi); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close stops the arbiter and unblocks any Send waiting on a full queue.
// Safe to call more than once and from any task.
func (s *FrameSender) Close() {
	s.once.Do(func() { close(s.done) })
}
