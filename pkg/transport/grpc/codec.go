package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec carries the management messages as JSON so no protobuf code
// generation is needed.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                    { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
