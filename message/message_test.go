package message

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycoria/amqplink/encoding"
	"github.com/mycoria/amqplink/m"
)

func fakeMessage() *Message {
	created := time.UnixMilli(time.Now().UnixMilli()).UTC()
	msg := NewData([]byte(gofakeit.Sentence(8)))
	_ = msg.AddData([]byte(gofakeit.Sentence(4)))
	msg.Header = &Header{
		Durable:       true,
		Priority:      uint8(gofakeit.Number(0, 9)),
		TTL:           time.Duration(gofakeit.Number(1, 1000)) * time.Second,
		DeliveryCount: uint32(gofakeit.Uint16()),
	}
	msg.MessageAnnotations = Annotations{encoding.Symbol("x-opt-partition"): int64(gofakeit.Number(0, 64))}
	msg.Properties = &Properties{
		MessageID:     gofakeit.UUID(),
		To:            gofakeit.Word(),
		Subject:       gofakeit.Name(),
		ContentType:   "text/plain",
		CreationTime:  created,
		GroupSequence: uint32(gofakeit.Uint16()) + 1,
	}
	msg.ApplicationProperties = map[string]any{
		"author": gofakeit.Name(),
		"count":  int32(gofakeit.Number(1, 100)),
	}
	msg.Footer = Annotations{encoding.Symbol("x-digest"): []byte{1, 2, 3}}
	return msg
}

func TestEncodeSections(t *testing.T) {
	t.Parallel()

	msg := fakeMessage()
	data, err := msg.Encode()
	require.NoError(t, err)

	var codes []uint64
	var sections []encoding.Described
	dec := encoding.NewDecoder(func(v any) error {
		d, ok := v.(encoding.Described)
		require.True(t, ok)
		code, ok := d.Code()
		require.True(t, ok)
		codes = append(codes, code)
		sections = append(sections, d)
		return nil
	})
	require.NoError(t, dec.Decode(data))
	require.NoError(t, dec.Finish())

	assert.Equal(t, []uint64{
		CodeHeader,
		CodeMessageAnnotations,
		CodeProperties,
		CodeApplicationProperties,
		CodeData,
		CodeData,
		CodeFooter,
	}, codes)

	h, err := DecodeHeader(sections[0].Value)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, h)

	ann, err := DecodeAnnotations(sections[1].Value)
	require.NoError(t, err)
	assert.Equal(t, msg.MessageAnnotations, ann)

	props, err := DecodeProperties(sections[2].Value)
	require.NoError(t, err)
	assert.Equal(t, msg.Properties, props)

	appProps, err := DecodeApplicationProperties(sections[3].Value)
	require.NoError(t, err)
	assert.Equal(t, msg.ApplicationProperties, appProps)

	assert.Equal(t, msg.Data[0], sections[4].Value)
	assert.Equal(t, msg.Data[1], sections[5].Value)
}

func TestEncodeBodies(t *testing.T) {
	t.Parallel()

	// No body and no sections encode to nothing.
	data, err := New().Encode()
	require.NoError(t, err)
	assert.Empty(t, data)

	// Value body.
	data, err = NewValue("hello").Encode()
	require.NoError(t, err)
	v, _, err := encoding.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, encoding.Describe(CodeValue, "hello"), v)

	// Sequence body.
	msg := New()
	require.NoError(t, msg.AddSequence([]any{"a", int64(1)}))
	require.NoError(t, msg.AddSequence([]any{true}))
	assert.Equal(t, BodyTypeSequence, msg.BodyType())
	data, err = msg.Encode()
	require.NoError(t, err)
	v, n, err := encoding.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, encoding.Describe(CodeSequence, []any{"a", int64(1)}), v)
	v, _, err = encoding.Unmarshal(data[n:])
	require.NoError(t, err)
	assert.Equal(t, encoding.Describe(CodeSequence, []any{true}), v)
}

func TestBodyConflicts(t *testing.T) {
	t.Parallel()

	msg := NewData([]byte("data"))
	assert.ErrorIs(t, msg.SetValue("value"), ErrBodyConflict)
	assert.ErrorIs(t, msg.AddSequence([]any{}), ErrBodyConflict)
	require.NoError(t, msg.AddData([]byte("more")))
	assert.Equal(t, []byte("datamore"), msg.GetData())

	msg = NewValue(int64(1))
	assert.ErrorIs(t, msg.SetValue(int64(2)), ErrBodyConflict)
	assert.ErrorIs(t, msg.AddData(nil), ErrBodyConflict)
	assert.Equal(t, int64(1), msg.Value)

	msg = New()
	require.NoError(t, msg.AddSequence([]any{"x"}))
	assert.ErrorIs(t, msg.AddData([]byte("x")), ErrBodyConflict)
	assert.Nil(t, msg.GetData())
}

func TestClone(t *testing.T) {
	t.Parallel()

	msg := fakeMessage()
	clone, err := msg.Clone()
	require.NoError(t, err)
	assert.Equal(t, msg, clone)

	// Changes to the clone do not leak into the original.
	clone.Data[0][0] = '!'
	clone.ApplicationProperties["author"] = "someone else"
	clone.Header.Priority = 99
	assert.NotEqual(t, msg.Data[0][0], clone.Data[0][0])
	assert.NotEqual(t, "someone else", msg.ApplicationProperties["author"])
	assert.NotEqual(t, uint8(99), msg.Header.Priority)

	origData, err := msg.Encode()
	require.NoError(t, err)
	cloneData, err := clone.Encode()
	require.NoError(t, err)
	assert.NotEqual(t, origData, cloneData)
}

func TestDecodeSectionErrors(t *testing.T) {
	t.Parallel()

	_, err := DecodeHeader("header")
	assert.ErrorIs(t, err, ErrInvalidHeader)
	_, err = DecodeHeader([]any{"durable"})
	assert.ErrorIs(t, err, ErrInvalidHeader)

	h, err := DecodeHeader([]any{})
	require.NoError(t, err)
	assert.Equal(t, uint8(DefaultPriority), h.Priority)

	_, err = DecodeProperties([]any{true})
	assert.ErrorIs(t, err, ErrInvalidProps)
	_, err = DecodeProperties(map[any]any{})
	assert.ErrorIs(t, err, ErrInvalidProps)

	_, err = DecodeAnnotations(map[any]any{"string-key": 1})
	assert.ErrorIs(t, err, ErrInvalidMap)
	_, err = DecodeApplicationProperties(map[any]any{encoding.Symbol("sym"): 1})
	assert.ErrorIs(t, err, ErrInvalidMap)
	_, err = DecodeApplicationProperties([]any{})
	assert.ErrorIs(t, err, ErrInvalidMap)

	ann, err := DecodeAnnotations(nil)
	require.NoError(t, err)
	assert.Nil(t, ann)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	msg := fakeMessage()
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data, DefaultFormat)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	seq := New()
	require.NoError(t, seq.AddSequence([]any{"a", int64(1)}))
	require.NoError(t, seq.AddSequence([]any{"b"}))
	data, err = seq.Encode()
	require.NoError(t, err)
	decoded, err = Decode(data, 7)
	require.NoError(t, err)
	assert.Equal(t, BodyTypeSequence, decoded.BodyType())
	assert.Equal(t, seq.Sequence, decoded.Sequence)
	assert.Equal(t, uint32(7), decoded.MessageFormat())
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	encode := func(values ...any) []byte {
		var buf []byte
		for _, v := range values {
			var err error
			buf, err = encoding.Append(buf, v)
			require.NoError(t, err)
		}
		return buf
	}

	// A value body after a data body.
	_, err := Decode(encode(
		encoding.Describe(CodeData, []byte("data")),
		encoding.Describe(CodeValue, "value"),
	), DefaultFormat)
	assert.ErrorIs(t, err, ErrBodyConflict)

	// Two value bodies.
	_, err = Decode(encode(
		encoding.Describe(CodeValue, "one"),
		encoding.Describe(CodeValue, "two"),
	), DefaultFormat)
	assert.ErrorIs(t, err, ErrBodyConflict)

	// Not a section.
	_, err = Decode(encode("plain"), DefaultFormat)
	assert.ErrorIs(t, err, ErrInvalidSection)
	_, err = Decode(encode(encoding.Describe(0x99, "unknown")), DefaultFormat)
	assert.ErrorIs(t, err, ErrInvalidSection)
	_, err = Decode(encode(encoding.Describe(CodeData, "not binary")), DefaultFormat)
	assert.ErrorIs(t, err, ErrInvalidSection)

	// Truncated.
	data := encode(encoding.Describe(CodeData, []byte(gofakeit.Sentence(6))))
	_, err = Decode(data[:len(data)-3], DefaultFormat)
	assert.ErrorIs(t, err, encoding.ErrMalformed)
}

func TestDigest(t *testing.T) {
	t.Parallel()

	msg := NewData([]byte(gofakeit.Sentence(12)))
	_ = msg.AddData([]byte(gofakeit.Sentence(3)))
	assert.False(t, msg.Signed())
	require.ErrorIs(t, msg.Verify(), ErrNoDigest)
	require.NoError(t, msg.Sign(m.BLAKE3))
	assert.True(t, msg.Signed())
	require.NoError(t, msg.Verify())

	// The digest survives the wire.
	data, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := Decode(data, 0)
	require.NoError(t, err)
	require.NoError(t, decoded.Verify())

	decoded.Data[0][0]++
	require.ErrorIs(t, decoded.Verify(), ErrDigestMismatch)

	decoded.Footer[HashAnnotation] = "MD5"
	require.ErrorIs(t, decoded.Verify(), m.ErrUnknownHash)

	require.ErrorIs(t, NewValue(gofakeit.Word()).Sign(m.BLAKE3), ErrBodyConflict)
	require.ErrorIs(t, NewData(nil).Sign("MD5"), m.ErrUnknownHash)
}
