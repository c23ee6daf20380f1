package tfp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHeaderCodecRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := Header{
			UID:                      rapid.Uint32().Draw(t, "uid"),
			Length:                   uint8(rapid.IntRange(MinLength, MaxLength).Draw(t, "length")),
			FunctionID:               uint8(rapid.IntRange(1, 255).Draw(t, "function_id")),
			SequenceNumberAndOptions: MakeOptions(uint8(rapid.IntRange(0, 15).Draw(t, "sequence")), rapid.Bool().Draw(t, "response_expected")),
			ErrorCodeAndFutureUse:    MakeErrorByte(uint8(rapid.IntRange(0, 3).Draw(t, "error_code"))),
		}

		buf := make([]byte, HeaderLength)
		EncodeHeader(buf, h)
		got := DecodeHeader(buf)

		assert.Equal(t, h, got)
	})
}

func TestValidateRequest(t *testing.T) {
	require.NoError(t, ValidateRequest(Header{Length: 8, FunctionID: 1, SequenceNumberAndOptions: MakeOptions(1, true)}))
	require.Error(t, ValidateRequest(Header{Length: 7, FunctionID: 1, SequenceNumberAndOptions: MakeOptions(1, true)}))
	require.Error(t, ValidateRequest(Header{Length: 81, FunctionID: 1, SequenceNumberAndOptions: MakeOptions(1, true)}))
	require.Error(t, ValidateRequest(Header{Length: 8, FunctionID: 0, SequenceNumberAndOptions: MakeOptions(1, true)}))
	require.Error(t, ValidateRequest(Header{Length: 8, FunctionID: 1, SequenceNumberAndOptions: MakeOptions(0, true)}))
}

func TestValidateResponse(t *testing.T) {
	require.NoError(t, ValidateResponse(Header{UID: 5, Length: 8, FunctionID: 1, SequenceNumberAndOptions: MakeOptions(0, true)}))
	require.Error(t, ValidateResponse(Header{UID: 0, Length: 8, FunctionID: 1, SequenceNumberAndOptions: MakeOptions(0, true)}))
	require.Error(t, ValidateResponse(Header{UID: 5, Length: 8, FunctionID: 0, SequenceNumberAndOptions: MakeOptions(0, true)}))
	require.Error(t, ValidateResponse(Header{UID: 5, Length: 8, FunctionID: 1, SequenceNumberAndOptions: MakeOptions(0, false)}))
}

func TestDecodeEncodeRoundTripWithPayload(t *testing.T) {
	p := Packet{
		Header: Header{
			UID:                      42,
			Length:                   16,
			FunctionID:               7,
			SequenceNumberAndOptions: MakeOptions(3, true),
			ErrorCodeAndFutureUse:    MakeErrorByte(ErrorCodeOK),
		},
		Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}

	buf := Encode(p)
	require.Len(t, buf, 16)

	got := Decode(buf)
	assert.Equal(t, p.Header, got.Header)
	assert.Equal(t, p.Payload, got.Payload)
}

func TestNewErrorResponse(t *testing.T) {
	req := Header{UID: 9, Length: 8, FunctionID: 5, SequenceNumberAndOptions: MakeOptions(2, true)}
	resp := NewErrorResponse(req, ErrorCodeFunctionNotSupport)

	assert.Equal(t, uint32(9), resp.Header.UID)
	assert.Equal(t, uint8(5), resp.Header.FunctionID)
	assert.Equal(t, uint8(2), resp.Header.SequenceNumber())
	assert.True(t, resp.Header.ResponseExpected())
	assert.Equal(t, uint8(ErrorCodeFunctionNotSupport), resp.Header.ErrorCode())
}
