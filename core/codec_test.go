package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/miladsoleymani/chanmux/config"
	"github.com/miladsoleymani/chanmux/core"
)

func TestTextCodec(t *testing.T) {
	var c core.TextCodec
	assert.Equal(t, core.CodecText, c.Kind())

	for _, s := range []string{"", "hello", "héllo wörld ✓"} {
		b, err := c.Encode(s)
		require.NoError(t, err)
		assert.Equal(t, []byte(s), b)

		v, err := c.Decode(b)
		require.NoError(t, err)
		assert.Equal(t, s, v)
	}

	for _, v := range []any{42, []byte("raw")} {
		_, err := c.Encode(v)
		assert.Error(t, err, "%T", v)
	}

	_, err := c.Encode("bad\xff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid UTF-8")
}

func TestTextCodecRejectsInvalidUTF8(t *testing.T) {
	_, err := core.TextCodec{}.Decode([]byte{0xff, 0xfe, 'a'})
	var derr *core.DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodecText, derr.Codec)
}

func TestProtoCodecRoundTrip(t *testing.T) {
	c, err := core.NewProtoCodec(&structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, core.CodecStructured, c.Kind())

	msg, err := structpb.NewStruct(map[string]any{
		"name":  "klass",
		"count": 3,
		"tags":  []any{"a", "b"},
	})
	require.NoError(t, err)

	b, err := c.Encode(msg)
	require.NoError(t, err)
	v, err := c.Decode(b)
	require.NoError(t, err)
	assert.True(t, proto.Equal(msg, v.(proto.Message)))

	// equal payloads encode to equal bytes
	again, err := c.Encode(proto.Clone(msg))
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestProtoCodecDecodesIntoPrototypeType(t *testing.T) {
	c, err := core.NewProtoCodec((*wrapperspb.StringValue)(nil))
	require.NoError(t, err)

	b, err := c.Encode(wrapperspb.String("klass"))
	require.NoError(t, err)
	v, err := c.Decode(b)
	require.NoError(t, err)
	require.IsType(t, &wrapperspb.StringValue{}, v)
	assert.Equal(t, "klass", v.(*wrapperspb.StringValue).GetValue())
}

func TestProtoCodecErrors(t *testing.T) {
	_, err := core.NewProtoCodec(nil)
	var cerr *config.Error
	require.ErrorAs(t, err, &cerr)

	c, err := core.NewProtoCodec(&structpb.Struct{})
	require.NoError(t, err)

	_, err = c.Decode([]byte{0xff, 0xff, 0xff})
	var derr *core.DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodecStructured, derr.Codec)

	_, err = c.Encode("not a message")
	assert.Error(t, err)
}
