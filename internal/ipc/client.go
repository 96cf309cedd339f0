package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"vaultd/internal/scheme"
)

// Common errors.
var (
	ErrNotConnected     = errors.New("ipc: not connected to daemon")
	ErrConnectionLost   = errors.New("ipc: connection to daemon lost")
	ErrTimeout          = errors.New("ipc: request timeout")
	ErrDaemonNotRunning = errors.New("ipc: daemon is not running")
)

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// ProbeTimeout bounds the liveness probe. A daemon that cannot
	// answer a ping within it is treated as absent, and callers must
	// fail closed rather than assume encryption is available.
	ProbeTimeout time.Duration

	// PromptTimeout bounds operations that wait on user-presence
	// prompts (decrypt, store load, presence checks).
	PromptTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults for a runtime directory.
func DefaultClientConfig(runtimeDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(runtimeDir, "vaultd.sock"),
		ClientName:     "vaultctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		ProbeTimeout:   time.Second,
		PromptTimeout:  5 * time.Minute,
	}
}

// Client talks to the vaultd daemon over its unix socket.
type Client struct {
	mu         sync.RWMutex
	conn       net.Conn
	socketPath string
	sessionID  string
	version    string

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// NewClient creates a new IPC client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		socketPath: cfg.SocketPath,
		pending:    make(map[uint32]chan *Message),
		ctx:        ctx,
		cancel:     cancel,
		config:     cfg,
	}
}

// Connect establishes a connection to the daemon and performs the
// handshake.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.socketPath)
	if err != nil {
		c.mu.Unlock()
		if os.IsNotExist(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("ipc: connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop()

	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("ipc: handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// close closes the connection without signaling shutdown.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)

	// Fail all pending requests.
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// handshake performs the initial handshake with the server.
func (c *Client) handshake() error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	resp, err := c.request(MsgHandshake, req)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgHandshakeAck {
		return fmt.Errorf("unexpected response type: %d", resp.Header.Type)
	}

	var ack HandshakeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for a response.
func (c *Client) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.config.RequestTimeout)
}

// requestWithTimeout sends a request with a custom timeout.
func (c *Client) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("ipc: encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := msg.Write(conn); err != nil {
		c.close()
		return nil, fmt.Errorf("ipc: write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// readLoop reads messages from the connection and dispatches them to
// pending requests.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		// Decrypt responses can take minutes while the user responds to
		// prompts; the read deadline only bounds a dead daemon.
		conn.SetReadDeadline(time.Now().Add(c.config.PromptTimeout + time.Minute))
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.close()
			return
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// decodeResult decodes a response into out, converting error frames
// into a *BridgeError.
func decodeResult(resp *Message, out any) error {
	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("ipc: malformed error response: %w", err)
		}
		return &BridgeError{
			Code:    errResp.Code,
			Message: errResp.Message,
			Details: errResp.Details,
		}
	}
	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

// High-level API methods

// Probe checks that a compliant daemon answers within the probe
// timeout. Timeouts and malformed answers are reported as a
// *scheme.CompatibilityError: callers must fail closed and generate no
// key material when the bridge cannot be confirmed live.
func (c *Client) Probe(ctx context.Context) (*PingResponse, error) {
	timeout := c.config.ProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	resp, err := c.requestWithTimeout(MsgPing, nil, timeout)
	if err != nil {
		return nil, &scheme.CompatibilityError{
			Reason: fmt.Sprintf("secure storage daemon did not respond: %v", err),
		}
	}

	var pong PingResponse
	if err := decodeResult(resp, &pong); err != nil {
		return nil, &scheme.CompatibilityError{
			Reason: fmt.Sprintf("secure storage daemon gave a malformed answer: %v", err),
		}
	}
	if pong.Ping != "pong" {
		return nil, &scheme.CompatibilityError{
			Reason: fmt.Sprintf("secure storage daemon gave an unexpected answer: %q", pong.Ping),
		}
	}
	return &pong, nil
}

// SecurityStatus reports the enhanced-security tier.
func (c *Client) SecurityStatus() (*SecurityStatusResponse, error) {
	resp, err := c.request(MsgSecurityStatus, nil)
	if err != nil {
		return nil, err
	}
	var status SecurityStatusResponse
	if err := decodeResult(resp, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StorageLocation returns the directory for already-encrypted blobs.
func (c *Client) StorageLocation() (string, error) {
	resp, err := c.request(MsgStorageLocation, nil)
	if err != nil {
		return "", err
	}
	var loc StorageLocationResponse
	if err := decodeResult(resp, &loc); err != nil {
		return "", err
	}
	return loc.Path, nil
}

// GenerateKey generates the key pair for a logical key name.
func (c *Client) GenerateKey(name string, overwrite bool) error {
	resp, err := c.request(MsgGenerateKey, &GenerateKeyRequest{
		Name:              name,
		OverwriteIfExists: overwrite,
	})
	if err != nil {
		return err
	}
	var result GenerateKeyResponse
	return decodeResult(resp, &result)
}

// DeleteKey destroys the key pair for a logical key name.
func (c *Client) DeleteKey(name string) error {
	resp, err := c.request(MsgDeleteKey, &DeleteKeyRequest{Name: name})
	if err != nil {
		return err
	}
	var result DeleteKeyResponse
	return decodeResult(resp, &result)
}

// Encrypt encrypts data under a key's public half.
func (c *Client) Encrypt(name string, data []byte) ([]byte, error) {
	resp, err := c.request(MsgEncrypt, &EncryptRequest{Name: name, Data: data})
	if err != nil {
		return nil, err
	}
	var result EncryptResponse
	if err := decodeResult(resp, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Decrypt decrypts data. The daemon may show one or two user-presence
// prompts before responding.
func (c *Client) Decrypt(name string, data []byte) ([]byte, error) {
	resp, err := c.requestWithTimeout(MsgDecrypt,
		&DecryptRequest{Name: name, Data: data}, c.config.PromptTimeout)
	if err != nil {
		return nil, err
	}
	var result DecryptResponse
	if err := decodeResult(resp, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// CancelDecrypt aborts the in-flight decrypt for a key name.
func (c *Client) CancelDecrypt(name string) error {
	resp, err := c.request(MsgDecryptCancel, &DecryptCancelRequest{Name: name})
	if err != nil {
		return err
	}
	var result DecryptCancelResponse
	return decodeResult(resp, &result)
}

// VerifyPresence runs a standalone user-presence check.
func (c *Client) VerifyPresence(reason string) error {
	resp, err := c.requestWithTimeout(MsgVerifyPresence,
		&VerifyPresenceRequest{Reason: reason}, c.config.PromptTimeout)
	if err != nil {
		return err
	}
	var result VerifyPresenceResponse
	return decodeResult(resp, &result)
}

// CancelPresence aborts the in-flight presence check.
func (c *Client) CancelPresence() error {
	resp, err := c.request(MsgPresenceCancel, nil)
	if err != nil {
		return err
	}
	var result PresenceCancelResponse
	return decodeResult(resp, &result)
}

// StoreSave persists a record in the daemon-managed encrypted store.
func (c *Client) StoreSave(name string, data []byte) error {
	resp, err := c.request(MsgStoreSave, &StoreSaveRequest{Name: name, Data: data})
	if err != nil {
		return err
	}
	var result StoreSaveResponse
	return decodeResult(resp, &result)
}

// StoreLoad loads a record from the encrypted store. The daemon may
// show presence prompts before responding. A record that has never been
// saved returns (nil, false, nil).
func (c *Client) StoreLoad(name string) ([]byte, bool, error) {
	resp, err := c.requestWithTimeout(MsgStoreLoad,
		&StoreLoadRequest{Name: name}, c.config.PromptTimeout)
	if err != nil {
		return nil, false, err
	}
	var result StoreLoadResponse
	if err := decodeResult(resp, &result); err != nil {
		return nil, false, err
	}
	return result.Data, result.Exists, nil
}

// StoreStatus reports whether a record and its backup exist on disk.
func (c *Client) StoreStatus(name string) (*StoreStatusResponse, error) {
	resp, err := c.request(MsgStoreStatus, &StoreStatusRequest{Name: name})
	if err != nil {
		return nil, err
	}
	var result StoreStatusResponse
	if err := decodeResult(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StoreDelete removes a record and its backup.
func (c *Client) StoreDelete(name string) error {
	resp, err := c.request(MsgStoreDelete, &StoreDeleteRequest{Name: name})
	if err != nil {
		return err
	}
	var result StoreDeleteResponse
	return decodeResult(resp, &result)
}
