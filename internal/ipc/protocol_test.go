package ipc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&EncryptRequest{Name: "mail", Data: []byte("secret")})
	require.NoError(t, err)

	msg := NewMessage(MsgEncrypt, 42, payload)

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(ProtocolMagic), got.Header.Magic)
	assert.Equal(t, uint8(ProtocolVersion), got.Header.Version)
	assert.Equal(t, MsgEncrypt, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.RequestID)
	assert.Equal(t, payload, got.Payload)

	var req EncryptRequest
	require.NoError(t, Decode(got.Payload, &req))
	assert.Equal(t, "mail", req.Name)
	assert.Equal(t, []byte("secret"), req.Data)
}

func TestMessageRoundTripEmptyPayload(t *testing.T) {
	msg := NewMessage(MsgPing, 1, nil)

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgPing, got.Header.Type)
	assert.Empty(t, got.Payload)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	msg := NewMessage(MsgPing, 1, nil)
	msg.Header.Magic = 0xdeadbeef

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	_, err := ReadHeader(&buf)
	assert.ErrorContains(t, err, "invalid magic")
}

func TestReadHeaderRejectsNewerVersion(t *testing.T) {
	msg := NewMessage(MsgPing, 1, nil)
	msg.Header.Version = ProtocolVersion + 1

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	_, err := ReadHeader(&buf)
	assert.ErrorContains(t, err, "unsupported protocol version")
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	h := Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgEncrypt,
		Length:  MaxPayloadSize + 1,
	}

	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadMessage(&buf)
	assert.ErrorContains(t, err, "payload too large")
}

func TestErrorMessageEnvelope(t *testing.T) {
	msg := NewErrorMessage(7, CodeBiometricCancel,
		"Biometric decryption was cancelled.", "Decryption was cancelled.")
	assert.Equal(t, MsgError, msg.Header.Type)
	assert.Equal(t, uint32(7), msg.Header.RequestID)

	var resp ErrorResponse
	require.NoError(t, Decode(msg.Payload, &resp))
	assert.Equal(t, CodeBiometricCancel, resp.Code)
	assert.Equal(t, "Biometric decryption was cancelled.", resp.Message)
	assert.Equal(t, "Decryption was cancelled.", resp.Details)
}

func TestBridgeErrorFormatting(t *testing.T) {
	withDetails := &BridgeError{
		Code:    CodeSecureDelegate,
		Message: "There was a problem whilst performing the secure operation.",
		Details: "decrypt operation failed",
	}
	assert.Contains(t, withDetails.Error(), CodeSecureDelegate)
	assert.Contains(t, withDetails.Error(), "decrypt operation failed")

	bare := &BridgeError{Code: CodeNotReady, Message: "not ready"}
	assert.Equal(t, "ERR_NOT_READY: not ready", bare.Error())
}
