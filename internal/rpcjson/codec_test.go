package rpcjson

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecRegisteredUnderJSONSubtype(t *testing.T) {
	c := encoding.GetCodec(Name)
	require.NotNil(t, c)
	require.Equal(t, Name, c.Name())
}

type roundTripStruct struct {
	Address uint64 `json:"address"`
	Data    []byte `json:"data"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := encoding.GetCodec(Name)
	in := roundTripStruct{Address: 0x1000, Data: []byte("hello")}

	b, err := c.Marshal(in)
	require.NoError(t, err)

	var out roundTripStruct
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, in, out)
}

func TestUnmarshalRejectsMalformedJSON(t *testing.T) {
	c := encoding.GetCodec(Name)
	var out roundTripStruct
	require.Error(t, c.Unmarshal([]byte("{not json"), &out))
}
