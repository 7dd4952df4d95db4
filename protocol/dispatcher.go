package protocol

import (
	"context"
	"log/slog"
)

// Dispatchable handles inbound frames of one registered type. Dispatch runs
// on the session's single reader task: implementations must either finish
// quickly or hand the work to their own task — anything that blocks here
// stalls every other frame type on the connection.
type Dispatchable interface {
	Dispatch(fi FrameInfo) error
}

// DispatchFunc adapts a plain function to Dispatchable.
type DispatchFunc func(fi FrameInfo) error

func (f DispatchFunc) Dispatch(fi FrameInfo) error { return f(fi) }

// Dispatcher maps frame types to handlers and runs the reader loop. A frame
// whose type has no handler is a protocol violation that ends the session;
// so is any error a handler returns.
type Dispatcher struct {
	framer   *Framer
	handlers map[FrameType]Dispatchable
	log      *slog.Logger
}

func NewDispatcher(f *Framer, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		framer:   f,
		handlers: make(map[FrameType]Dispatchable),
		log:      log,
	}
}

// Register binds a handler to a frame type. All registration happens before
// Run starts; the map is read-only afterwards.
func (d *Dispatcher) Register(t FrameType, h Dispatchable) {
	d.handlers[t] = h
}

// Run consumes frames until the context is cancelled or the framer fails.
// The returned error is always a FramingError (KindEOF for a peer close,
// KindUnhandledType for an unregistered frame, KindDispatch wrapping a
// handler failure).
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		fi, err := d.framer.Recv()
		if err != nil {
			if ctx.Err() != nil {
				// Session shutdown closed the transport under us.
				return framingErr(KindEOF, ctx.Err(), "session closed")
			}
			return err
		}

		handler, ok := d.handlers[fi.Type]
		if !ok {
			return framingErr(KindUnhandledType, nil, "no handler registered for %s frame (seq %d)", fi.Type, fi.Seq)
		}

		d.log.Debug("dispatching frame", "type", fi.Type.String(), "seq", fi.Seq, "payload_bytes", len(fi.Payload))
		if err := handler.Dispatch(fi); err != nil {
			return framingErr(KindDispatch, err, "%s handler failed", fi.Type)
		}
	}
}
