package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic Encoding:
// sorted map keys, smallest integer encoding, no indefinite-length items.
// The same logical message always produces identical bytes, which keeps the
// framed section byte-for-byte reproducible for a given exchange.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so the server can
// grow messages without breaking deployed agents.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a framed payload message.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a framed payload message.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
