package protocol

import (
	"encoding/binary"
	"io"
)

const (
	// headerLen is <u32 length><u32 type>. The length field counts the whole
	// frame, header included.
	headerLen = 8

	// seqLen is the 64-bit sequence number that leads every frame body.
	seqLen = 8

	// DefaultMaxFrame bounds a single frame on the wire. The server never has
	// a reason to send more than a socket-data chunk at once.
	DefaultMaxFrame = 1 << 20
)

// Framer is the single authority for bytes on the tunnel connection after the
// handshake. It owns no goroutines itself: the session runs exactly one
// reader calling Recv and one writer (the FrameSender) calling send.
type Framer struct {
	r        io.Reader
	w        io.Writer
	maxFrame uint32

	lastIn  uint64
	gotIn   bool
	scratch [headerLen]byte
}

// NewFramer wraps the given reader/writer pair. The reader is typically the
// bufio.Reader left over from the line handshake so no buffered bytes are
// lost when framing switches on.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: r, w: w, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame overrides the session-wide frame size bound.
func (f *Framer) SetMaxFrame(n uint32) {
	if n > 0 {
		f.maxFrame = n
	}
}

// Recv blocks until a full frame is read. Failures are FramingErrors: a clean
// close is KindEOF, a close mid-frame is KindShortRead, a length outside
// [headerLen+seqLen, maxFrame] is KindMalformedHeader or KindOversizedFrame.
// Inbound sequence numbers must be non-decreasing; a regression means the
// peer and agent no longer agree on the stream and is treated as corruption.
func (f *Framer) Recv() (FrameInfo, error) {
	header := f.scratch[:headerLen]
	if _, err := io.ReadFull(f.r, header); err != nil {
		if err == io.EOF {
			return FrameInfo{}, framingErr(KindEOF, err, "connection closed")
		}
		return FrameInfo{}, framingErr(KindShortRead, err, "reading frame header")
	}

	length := binary.BigEndian.Uint32(header[0:4])
	ftype := FrameType(binary.BigEndian.Uint32(header[4:8]))

	if length < headerLen+seqLen {
		return FrameInfo{}, framingErr(KindMalformedHeader, nil, "frame length %d below minimum %d", length, headerLen+seqLen)
	}
	if length > f.maxFrame {
		return FrameInfo{}, framingErr(KindOversizedFrame, nil, "frame length %d exceeds maximum %d", length, f.maxFrame)
	}

	body := make([]byte, length-headerLen)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return FrameInfo{}, framingErr(KindShortRead, err, "reading %d byte frame body", len(body))
	}

	seq := binary.BigEndian.Uint64(body[:seqLen])
	if f.gotIn && seq < f.lastIn {
		return FrameInfo{}, framingErr(KindMalformedHeader, nil, "sequence regressed from %d to %d", f.lastIn, seq)
	}
	f.lastIn = seq
	f.gotIn = true

	return FrameInfo{Type: ftype, Seq: seq, Payload: body[seqLen:]}, nil
}

// send writes one frame with a single Write call so frames from the writer
// arbiter can never interleave on the wire. Callers other than the
// FrameSender must not use it.
func (f *Framer) send(fi FrameInfo) error {
	total := headerLen + seqLen + len(fi.Payload)
	if uint32(total) > f.maxFrame {
		return framingErr(KindOversizedFrame, nil, "refusing to send %d byte frame (max %d)", total, f.maxFrame)
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(fi.Type))
	binary.BigEndian.PutUint64(buf[8:16], fi.Seq)
	copy(buf[16:], fi.Payload)

	if _, err := f.w.Write(buf); err != nil {
		return framingErr(KindShortRead, err, "writing %s frame", fi.Type)
	}
	return nil
}
