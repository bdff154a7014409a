package cluster

import (
	json "github.com/goccy/go-json"
	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements encoding.Codec so the cluster RPCs move plain
// Go structs over gRPC without a protoc-generated .proto/.pb.go pair —
// every message here is already a struct the rest of the module
// marshals with goccy/go-json (merkle trees, diff ranges, blob
// payloads), so reusing that encoding end to end avoids a second,
// redundant serialization format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
