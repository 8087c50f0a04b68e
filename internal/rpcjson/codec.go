// Package rpcjson registers a gRPC codec that marshals plain Go structs as
// JSON instead of protobuf. No .proto definitions are in scope for either
// the manager-facing or the machine-server-facing RPC surfaces, so this
// codec stands in for the wire encoding a generated stub would normally
// provide, while still running over real gRPC framing, deadlines, and
// status codes.
package rpcjson

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype this codec registers under.
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcjson: marshal: %w", err)
	}
	return b, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcjson: unmarshal: %w", err)
	}
	return nil
}

func (codec) Name() string {
	return Name
}
