package attestation

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "tng-json"

// jsonCodec implements grpc/encoding.Codec over encoding/json, standing
// in for the generated protobuf codec this gateway has no .proto
// contract for. Registered once at package init so any grpc.ClientConn
// in this package can select it via CallContentSubtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
