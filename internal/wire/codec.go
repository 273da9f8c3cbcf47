package wire

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype under which the replay codec registers.
const CodecName = "reverb-gob"

// codec frames the wire structs with encoding/gob. The service has no
// generated protobuf stubs; gRPC's codec extension point carries the typed
// structs directly, and the one cross-language payload (table signatures)
// travels as protobuf bytes inside them.
type codec struct{}

func init() {
	encoding.RegisterCodec(codec{})
}

func (codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (codec) Name() string { return CodecName }

// ServerCodec returns the server option that forces the replay codec.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(encoding.GetCodec(CodecName))
}

// CallOption returns the per-call option that selects the replay codec on a
// client connection.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}
