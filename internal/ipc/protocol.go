// Package ipc provides inter-process communication between the vaultd
// daemon and client applications.
//
// Messages are length-prefixed frames: a fixed 16-byte big-endian
// header followed by a JSON payload. Clients connect over a unix socket
// owned by the daemon's user; the server verifies the peer's UID before
// accepting any request.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Protocol version for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x56495043 // "VIPC" - Vaultd IPC
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006

	// Status messages (0x01xx)
	MsgSecurityStatus      MessageType = 0x0100
	MsgSecurityStatusResp  MessageType = 0x0101
	MsgStorageLocation     MessageType = 0x0102
	MsgStorageLocationResp MessageType = 0x0103

	// Key lifecycle (0x02xx)
	MsgGenerateKey     MessageType = 0x0200
	MsgGenerateKeyResp MessageType = 0x0201
	MsgDeleteKey       MessageType = 0x0202
	MsgDeleteKeyResp   MessageType = 0x0203

	// Data operations (0x03xx)
	MsgEncrypt           MessageType = 0x0300
	MsgEncryptResp       MessageType = 0x0301
	MsgDecrypt           MessageType = 0x0302
	MsgDecryptResp       MessageType = 0x0303
	MsgDecryptCancel     MessageType = 0x0304
	MsgDecryptCancelResp MessageType = 0x0305

	// User presence (0x04xx)
	MsgVerifyPresence     MessageType = 0x0400
	MsgVerifyPresenceResp MessageType = 0x0401
	MsgPresenceCancel     MessageType = 0x0402
	MsgPresenceCancelResp MessageType = 0x0403

	// Encrypted store (0x05xx)
	MsgStoreSave       MessageType = 0x0500
	MsgStoreSaveResp   MessageType = 0x0501
	MsgStoreLoad       MessageType = 0x0502
	MsgStoreLoadResp   MessageType = 0x0503
	MsgStoreStatus     MessageType = 0x0504
	MsgStoreStatusResp MessageType = 0x0505
	MsgStoreDelete     MessageType = 0x0506
	MsgStoreDeleteResp MessageType = 0x0507
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// Header flags.
const (
	FlagJSON uint8 = 0x04
)

// MaxPayloadSize bounds a single frame's payload. Blobs are capped well
// below this by the store; anything larger is a protocol violation.
const MaxPayloadSize = 16 * 1024 * 1024

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes carried in ErrorResponse. The string values are the wire
// contract with clients and must not change.
const (
	CodeSecureDelegate      = "ERR_SECURE_DELEGATE"
	CodeBiometricCancel     = "ERR_BIOMETRIC_CANCEL"
	CodeDecryptionFailed    = "ERR_DECRYPTION_FAILED"
	CodeInvalidRequest      = "ERR_INVALID_REQUEST"
	CodeNotReady            = "ERR_NOT_READY"
	CodeInternal            = "ERR_INTERNAL"
	CodeUserPresenceFailure = "USER_PRESENCE_FAILURE"
)

// ErrorResponse is sent when an operation fails. Message is safe to show
// to an end user; Details carries the diagnostic.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// BridgeError is the client-side representation of an ErrorResponse.
type BridgeError struct {
	Code    string
	Message string
	Details string
}

func (e *BridgeError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate a connection.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge a connection.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	SessionID       string `json:"session_id"`
}

// PingResponse reports daemon liveness and the security posture of the
// device. Field names are the wire contract with clients.
type PingResponse struct {
	Ping                string         `json:"ping"`
	IsSimulator         bool           `json:"is_simulator"`
	Platform            string         `json:"platform"`
	PlatformVersion     string         `json:"platform_version"`
	Version             int            `json:"version"`
	HasEnhancedSecurity int            `json:"has_enhanced_security"`
	Delegate            string         `json:"storage_encryption_delegate,omitempty"`
	DelegateScheme      string         `json:"storage_encryption_delegate_scheme,omitempty"`
	DelegateMetadata    map[string]any `json:"storage_encryption_delegate_metadata,omitempty"`
	SecurityWarning     string         `json:"enhanced_security_warning,omitempty"`
}

// SecurityStatusResponse reports the enhanced-security tier.
type SecurityStatusResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StorageLocationResponse carries the directory clients may store
// already-encrypted blobs in.
type StorageLocationResponse struct {
	Path string `json:"path"`
}

// GenerateKeyRequest requests key pair generation.
type GenerateKeyRequest struct {
	Name              string `json:"name,omitempty"`
	OverwriteIfExists bool   `json:"overwrite_if_exists,omitempty"`
}

// GenerateKeyResponse acknowledges key generation.
type GenerateKeyResponse struct {
	Success bool `json:"success"`
}

// DeleteKeyRequest requests key deletion.
type DeleteKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// DeleteKeyResponse acknowledges key deletion.
type DeleteKeyResponse struct {
	Success bool `json:"success"`
}

// EncryptRequest encrypts data under a key's public half. It never
// prompts the user.
type EncryptRequest struct {
	Name string `json:"name,omitempty"`
	Data []byte `json:"data"`
}

// EncryptResponse carries the ciphertext.
type EncryptResponse struct {
	Data []byte `json:"data"`
}

// DecryptRequest decrypts data; the daemon may show one or two presence
// prompts before responding.
type DecryptRequest struct {
	Name string `json:"name,omitempty"`
	Data []byte `json:"data"`
}

// DecryptResponse carries the plaintext.
type DecryptResponse struct {
	Data []byte `json:"data"`
}

// DecryptCancelRequest aborts the in-flight decrypt for a key.
type DecryptCancelRequest struct {
	Name string `json:"name,omitempty"`
}

// DecryptCancelResponse acknowledges the cancellation.
type DecryptCancelResponse struct {
	Success bool `json:"success"`
}

// VerifyPresenceRequest runs a standalone user-presence check.
type VerifyPresenceRequest struct {
	Reason string `json:"reason,omitempty"`
}

// VerifyPresenceResponse reports the check's outcome.
type VerifyPresenceResponse struct {
	Verified bool `json:"verified"`
}

// PresenceCancelResponse acknowledges cancellation of a presence check.
type PresenceCancelResponse struct {
	Success bool `json:"success"`
}

// StoreSaveRequest persists a record in the daemon-managed encrypted
// store. Empty data deletes the record and its backup.
type StoreSaveRequest struct {
	Name string `json:"name,omitempty"`
	Data []byte `json:"data"`
}

// StoreSaveResponse acknowledges the save.
type StoreSaveResponse struct {
	Success bool `json:"success"`
}

// StoreLoadRequest loads a record from the encrypted store; decryption
// is presence-gated.
type StoreLoadRequest struct {
	Name string `json:"name,omitempty"`
}

// StoreLoadResponse carries the record. Data is nil when the record has
// never been saved.
type StoreLoadResponse struct {
	Data   []byte `json:"data"`
	Exists bool   `json:"exists"`
}

// StoreStatusRequest queries a record's on-disk state.
type StoreStatusRequest struct {
	Name string `json:"name,omitempty"`
}

// StoreStatusResponse reports existence of the record and its backup
// generation.
type StoreStatusResponse struct {
	HasData   bool `json:"has_data"`
	HasBackup bool `json:"has_backup"`
}

// StoreDeleteRequest removes a record and its backup.
type StoreDeleteRequest struct {
	Name string `json:"name,omitempty"`
}

// StoreDeleteResponse acknowledges the deletion.
type StoreDeleteResponse struct {
	Success bool `json:"success"`
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code, message, details string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
