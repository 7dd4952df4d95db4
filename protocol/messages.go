package protocol

import (
	"encoding/binary"
	"fmt"
)

// ResourceKey is a per-session shared secret bound to one (host, port)
// destination. The server learns the full list at registration and the SOCKS
// gate refuses anything without an entry.
type ResourceKey struct {
	Host string `cbor:"host"`
	Port int    `cbor:"port"`
	Key  uint64 `cbor:"key"`
}

// RegistrationRequest is the single REGISTRATION frame the agent sends after
// authorization: its capability surface plus the freshly minted resource
// keys. ResourcesXML carries the rules file verbatim so the server can apply
// its own parse.
type RegistrationRequest struct {
	AgentID                string        `cbor:"agentId"`
	SocksServerPort        int           `cbor:"socksServerPort"`
	HealthCheckPort        int           `cbor:"healthCheckPort"`
	ResourcesXML           []byte        `cbor:"resourcesXml"`
	ResourceKeys           []ResourceKey `cbor:"resourceKeys"`
	HealthCheckGadgetUsers []string      `cbor:"healthCheckGadgetUsers,omitempty"`
}

// RegistrationResult is the server's verdict on a RegistrationRequest.
type RegistrationResult int

const (
	RegistrationOK    RegistrationResult = 1
	RegistrationError RegistrationResult = 2
)

func (r RegistrationResult) String() string {
	switch r {
	case RegistrationOK:
		return "OK"
	case RegistrationError:
		return "REGISTRATION_ERROR"
	}
	return fmt.Sprintf("RegistrationResult(%d)", int(r))
}

// RegistrationResponse acknowledges (or rejects) the registration. The
// server-supplied configuration is optional: absent means the agent keeps
// its defaults.
type RegistrationResponse struct {
	Result             RegistrationResult  `cbor:"result"`
	StatusMessage      string              `cbor:"statusMessage,omitempty"`
	ServerSuppliedConf *ServerSuppliedConf `cbor:"serverSuppliedConf,omitempty"`
}

// ServerSuppliedConf carries server-directed timing knobs, all in seconds.
type ServerSuppliedConf struct {
	HealthCheckIntervalSeconds int `cbor:"healthCheckIntervalSeconds,omitempty"`
	HealthCheckTimeoutSeconds  int `cbor:"healthCheckTimeoutSeconds,omitempty"`
}

// HealthCheckPayload rides HEALTH_CHECK frames in both directions. A probe
// has Echo false; the receiver answers with Echo true and Seq set to the
// probe frame's sequence number so the prober can match them up.
type HealthCheckPayload struct {
	Echo bool   `cbor:"echo"`
	Seq  uint64 `cbor:"seq"`
}

// Stream control operations carried by CONNECTION_CONTROL frames.
const (
	StreamOpen  = "open"
	StreamClose = "close"
)

// ConnectionControl announces stream lifecycle events. Open carries the
// destination and the matching resource key so the far end can verify the
// stream against what was registered; Close signals EOF for one direction
// without tearing the peer down.
type ConnectionControl struct {
	StreamID uint32 `cbor:"streamId"`
	Op       string `cbor:"op"`
	Host     string `cbor:"host,omitempty"`
	Port     int    `cbor:"port,omitempty"`
	Key      uint64 `cbor:"key,omitempty"`
}

// SOCKET_DATA frames skip the CBOR envelope: the payload is the 32-bit
// stream id followed by raw bytes. Data moves constantly once a stream is
// up and the fixed prefix keeps the hot path allocation-cheap.

// EncodeSocketData builds a SOCKET_DATA payload for the given stream.
func EncodeSocketData(streamID uint32, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], streamID)
	copy(buf[4:], data)
	return buf
}

// DecodeSocketData splits a SOCKET_DATA payload into stream id and bytes.
// The returned slice aliases the payload.
func DecodeSocketData(payload []byte) (uint32, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("socket data payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[:4]), payload[4:], nil
}
