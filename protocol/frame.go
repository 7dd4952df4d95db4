package protocol

import "fmt"

// FrameType identifies what a frame payload carries. All traffic after the
// line-oriented handshake is framed, so every exchange with the tunnel server
// (registration, health checks, proxied socket bytes) has an entry here.
type FrameType uint32

const (
	FrameAuthorization     FrameType = 1
	FrameRegistration      FrameType = 2
	FrameHealthCheck       FrameType = 3
	FrameSocketData        FrameType = 4
	FrameConnectionControl FrameType = 5
)

func (t FrameType) String() string {
	switch t {
	case FrameAuthorization:
		return "AUTHORIZATION"
	case FrameRegistration:
		return "REGISTRATION"
	case FrameHealthCheck:
		return "HEALTH_CHECK"
	case FrameSocketData:
		return "SOCKET_DATA"
	case FrameConnectionControl:
		return "CONNECTION_CONTROL"
	}
	return fmt.Sprintf("FrameType(%d)", uint32(t))
}

// FrameInfo is one frame as seen above the wire: the type, the per-direction
// sequence number, and the payload bytes. Frames are not retained after
// dispatch; handlers copy what they need.
type FrameInfo struct {
	Type    FrameType
	Seq     uint64
	Payload []byte
}
