package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationRequestRoundTrip(t *testing.T) {
	req := RegistrationRequest{
		AgentID:         "agent-1",
		SocksServerPort: 1080,
		HealthCheckPort: 8123,
		ResourcesXML:    []byte("<resourceRules/>"),
		ResourceKeys: []ResourceKey{
			{Host: "intranet.example", Port: 443, Key: 0xdeadbeefcafe},
			{Host: "localhost", Port: 8123, Key: 42},
		},
		HealthCheckGadgetUsers: []string{"admin@example.com"},
	}

	data, err := Marshal(req)
	require.NoError(t, err)

	var got RegistrationRequest
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, req, got)
}

func TestRegistrationRequestOmitsAbsentGadgetUsers(t *testing.T) {
	data, err := Marshal(RegistrationRequest{AgentID: "a"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, Unmarshal(data, &raw))
	_, present := raw["healthCheckGadgetUsers"]
	assert.False(t, present, "nil gadget user list must not appear on the wire")
}

func TestRegistrationResponseRoundTrip(t *testing.T) {
	resp := RegistrationResponse{
		Result:        RegistrationOK,
		StatusMessage: "welcome",
		ServerSuppliedConf: &ServerSuppliedConf{
			HealthCheckIntervalSeconds: 5,
			HealthCheckTimeoutSeconds:  15,
		},
	}

	data, err := Marshal(resp)
	require.NoError(t, err)

	var got RegistrationResponse
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, resp, got)
}

func TestRegistrationResponseConfOptional(t *testing.T) {
	data, err := Marshal(RegistrationResponse{Result: RegistrationError, StatusMessage: "quota exceeded"})
	require.NoError(t, err)

	var got RegistrationResponse
	require.NoError(t, Unmarshal(data, &got))
	assert.Nil(t, got.ServerSuppliedConf)
	assert.Equal(t, "quota exceeded", got.StatusMessage)
}

func TestConnectionControlRoundTrip(t *testing.T) {
	cc := ConnectionControl{StreamID: 7, Op: StreamOpen, Host: "intranet.example", Port: 443, Key: 99}
	data, err := Marshal(cc)
	require.NoError(t, err)

	var got ConnectionControl
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, cc, got)
}

func TestSocketDataEncoding(t *testing.T) {
	payload := EncodeSocketData(0x01020304, []byte("bytes"))
	id, data, err := DecodeSocketData(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), id)
	assert.Equal(t, []byte("bytes"), data)

	id, data, err = DecodeSocketData(EncodeSocketData(9, nil))
	require.NoError(t, err)
	assert.Equal(t, uint32(9), id)
	assert.Empty(t, data)

	_, _, err = DecodeSocketData([]byte{1, 2})
	assert.Error(t, err)
}

func TestDeterministicEncoding(t *testing.T) {
	req := RegistrationRequest{AgentID: "a", ResourceKeys: []ResourceKey{{Host: "h", Port: 1, Key: 2}}}
	a, err := Marshal(req)
	require.NoError(t, err)
	b, err := Marshal(req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
