package rpc

import (
	"encoding/gob"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolID carries exactly one call per stream.
const ProtocolID = protocol.ID("/peerbook/rpc/1.0.0")

// maxFrame bounds a single encoded request or response.
const maxFrame = 1 << 20

func init() {
	gob.Register(Request{})
	gob.Register(Response{})
}

type Request struct {
	Method  string
	Payload []byte // UTF-8 JSON
	OneWay  bool   // events: the server sends no Response
}

type Response struct {
	Payload []byte
	Error   string // one of the wire error strings, empty on success
}

func writeFrame(w io.Writer, v any) error {
	return gob.NewEncoder(w).Encode(v)
}

func readFrame(r io.Reader, v any) error {
	return gob.NewDecoder(io.LimitReader(r, maxFrame)).Decode(v)
}
