// Package bridge exposes the secure storage subsystem to clients over
// the IPC protocol.
//
// The bridge is the only seam between the daemon's core (scheme
// selection, key management, the presence gate, the blob store) and the
// outside world. It translates typed core errors into the wire error
// envelope: user-safe messages go into Message, diagnostics into
// Details, and underlying platform errors are logged but never sent
// verbatim to the end user.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"vaultd/internal/audit"
	"vaultd/internal/blobstore"
	"vaultd/internal/config"
	"vaultd/internal/ipc"
	"vaultd/internal/keystore"
	"vaultd/internal/logging"
	"vaultd/internal/platform"
	"vaultd/internal/presence"
	"vaultd/internal/scheme"
)

// ImplementationVersion is reported in ping responses. Bump when the
// operation contract changes.
const ImplementationVersion = 1

// DelegateName identifies this daemon in ping responses.
const DelegateName = "vaultd"

// Security status tiers reported to clients.
const (
	StatusAvailable = 0
	StatusWarning   = 1
	StatusError     = 2
)

// User-safe error messages. Clients show these verbatim.
const (
	msgDelegateFailure  = "There was a problem whilst performing the secure operation."
	msgNoEnvironment    = "There is no secure storage environment on the device."
	msgBiometricCancel  = "Biometric decryption was cancelled."
	msgDecryptionFailed = "Failed to decrypt data."
	msgUserCancelled    = "Decryption was cancelled."
)

// Bridge dispatches IPC operations onto the storage core.
type Bridge struct {
	cfg     *config.Config
	choice  scheme.Choice
	manager keystore.Manager
	gate    *presence.Gate
	store   *blobstore.Store
	auditor *audit.Log
	logger  *slog.Logger

	// onShutdown is invoked when a client requests daemon shutdown.
	onShutdown func()

	// decrypting tracks the alias with an in-flight decrypt so a second
	// request for the same alias is rejected instead of double-prompted.
	mu         sync.Mutex
	decrypting map[string]context.CancelFunc
}

var _ ipc.Handler = (*Bridge)(nil)

// New creates a bridge over the composed core. The manager is nil when
// no scheme is eligible; every protected operation then reports that
// the device has no secure storage environment. The audit log may be
// nil when auditing is disabled.
func New(cfg *config.Config, choice scheme.Choice, manager keystore.Manager,
	gate *presence.Gate, store *blobstore.Store, auditor *audit.Log) *Bridge {
	return &Bridge{
		cfg:        cfg,
		choice:     choice,
		manager:    manager,
		gate:       gate,
		store:      store,
		auditor:    auditor,
		logger:     logging.Default().WithComponent("bridge").Logger,
		decrypting: make(map[string]context.CancelFunc),
	}
}

// SetShutdownFunc registers the callback for client-requested shutdown.
func (b *Bridge) SetShutdownFunc(fn func()) {
	b.onShutdown = fn
}

// HandleMessage dispatches one IPC message.
func (b *Bridge) HandleMessage(ctx context.Context, conn *ipc.ClientConn, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case ipc.MsgPing:
		return ipc.NewResponse(ipc.MsgPong, reqID, b.pingResponse(ctx))

	case ipc.MsgSecurityStatus:
		status, reason := b.securityStatus(ctx)
		return ipc.NewResponse(ipc.MsgSecurityStatusResp, reqID, &ipc.SecurityStatusResponse{
			Status: status,
			Error:  reason,
		})

	case ipc.MsgStorageLocation:
		return ipc.NewResponse(ipc.MsgStorageLocationResp, reqID, &ipc.StorageLocationResponse{
			Path: b.cfg.Storage.BlobDir,
		})

	case ipc.MsgShutdown:
		if b.onShutdown != nil {
			defer b.onShutdown()
		}
		return ipc.NewMessage(ipc.MsgShutdown, reqID, nil), nil

	case ipc.MsgGenerateKey:
		return b.handleGenerateKey(ctx, msg)

	case ipc.MsgDeleteKey:
		return b.handleDeleteKey(ctx, msg)

	case ipc.MsgEncrypt:
		return b.handleEncrypt(ctx, msg)

	case ipc.MsgDecrypt:
		return b.handleDecrypt(ctx, msg)

	case ipc.MsgDecryptCancel:
		return b.handleDecryptCancel(msg)

	case ipc.MsgVerifyPresence:
		return b.handleVerifyPresence(ctx, msg)

	case ipc.MsgPresenceCancel:
		// Standalone presence prompts are not bound to a key alias.
		b.gate.CancelActive("")
		return ipc.NewResponse(ipc.MsgPresenceCancelResp, reqID, &ipc.PresenceCancelResponse{Success: true})

	case ipc.MsgStoreSave:
		return b.handleStoreSave(ctx, msg)

	case ipc.MsgStoreLoad:
		return b.handleStoreLoad(ctx, msg)

	case ipc.MsgStoreStatus:
		return b.handleStoreStatus(msg)

	case ipc.MsgStoreDelete:
		return b.handleStoreDelete(msg)

	default:
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest,
			fmt.Sprintf("unknown message type 0x%04x", uint16(msg.Header.Type)), ""), nil
	}
}

// pingResponse builds the full liveness answer. It never touches the
// keystore: probing must stay cheap and must not trigger hardware I/O.
func (b *Bridge) pingResponse(ctx context.Context) *ipc.PingResponse {
	info := platform.Collect()
	status, _ := b.securityStatus(ctx)

	resp := &ipc.PingResponse{
		Ping:                "pong",
		IsSimulator:         info.Virtualized,
		Platform:            runtime.GOOS,
		PlatformVersion:     info.Version,
		Version:             ImplementationVersion,
		HasEnhancedSecurity: status,
		SecurityWarning:     b.choice.Warning,
	}
	if b.choice.Scheme != nil {
		resp.Delegate = DelegateName
		resp.DelegateScheme = b.choice.Scheme.Name
		if b.choice.Scheme.Metadata != nil {
			resp.DelegateMetadata = b.choice.Scheme.Metadata()
		}
	}
	return resp
}

// securityStatus derives the enhanced-security tier: hardware-backed
// key protection and an enrolled presence credential are both required
// for Available.
func (b *Bridge) securityStatus(ctx context.Context) (int, string) {
	if b.choice.Scheme == nil {
		return StatusError, b.choice.Warning
	}

	enrolled, err := b.gate.Enrolled(ctx)
	if err != nil {
		return StatusError, fmt.Sprintf("presence verification unavailable: %v", err)
	}
	if !enrolled {
		return StatusError, "no presence credentials enrolled on this device"
	}

	if b.choice.Scheme.Strength < scheme.StrengthStrong {
		reason := b.choice.Warning
		if reason == "" {
			reason = fmt.Sprintf("using %s scheme without hardware-backed key protection",
				b.choice.Scheme.Name)
		}
		return StatusWarning, reason
	}
	if b.choice.Warning != "" {
		return StatusWarning, b.choice.Warning
	}
	return StatusAvailable, ""
}

// resolveAlias maps a client-facing key name onto a platform key alias.
func (b *Bridge) resolveAlias(name string) string {
	if name == "" {
		return b.cfg.Keys.DefaultAlias
	}
	return b.cfg.Keys.Namespace + "." + name
}

// resolveStore maps a client-facing store name onto a blob name.
func resolveStore(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

// requireManager returns the error frame sent when no scheme is
// eligible on this device.
func (b *Bridge) requireManager(reqID uint32) *ipc.Message {
	if b.manager != nil {
		return nil
	}
	return ipc.NewErrorMessage(reqID, ipc.CodeNotReady, msgNoEnvironment, b.choice.Warning)
}

func (b *Bridge) handleGenerateKey(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	if errMsg := b.requireManager(reqID); errMsg != nil {
		return errMsg, nil
	}

	var req ipc.GenerateKeyRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid generateKey request", ""), nil
	}

	alias := b.resolveAlias(req.Name)
	if err := b.manager.GenerateKeyPair(ctx, alias, req.OverwriteIfExists); err != nil {
		b.logger.Error("generate key failed", "alias", logging.Digest(alias), "error", err)
		b.record(audit.OpKeyVerifyFailed, alias, err.Error())
		return b.delegateError(reqID, err), nil
	}

	b.record(audit.OpKeyGenerated, alias, b.choice.Scheme.Name)
	return ipc.NewResponse(ipc.MsgGenerateKeyResp, reqID, &ipc.GenerateKeyResponse{Success: true})
}

func (b *Bridge) handleDeleteKey(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	if errMsg := b.requireManager(reqID); errMsg != nil {
		return errMsg, nil
	}

	var req ipc.DeleteKeyRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid deleteKey request", ""), nil
	}

	alias := b.resolveAlias(req.Name)
	if err := b.manager.DeleteKey(ctx, alias); err != nil {
		b.logger.Error("delete key failed", "alias", logging.Digest(alias), "error", err)
		return b.delegateError(reqID, err), nil
	}

	b.record(audit.OpKeyDeleted, alias, "")
	return ipc.NewResponse(ipc.MsgDeleteKeyResp, reqID, &ipc.DeleteKeyResponse{Success: true})
}

func (b *Bridge) handleEncrypt(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	if errMsg := b.requireManager(reqID); errMsg != nil {
		return errMsg, nil
	}

	var req ipc.EncryptRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid encrypt request", ""), nil
	}
	if len(req.Data) == 0 {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "no data to encrypt", ""), nil
	}

	alias := b.resolveAlias(req.Name)
	ciphertext, err := b.manager.Encrypt(ctx, alias, req.Data)
	if err != nil {
		b.logger.Error("encrypt failed", "alias", logging.Digest(alias), "error", err)
		return b.delegateError(reqID, err), nil
	}
	return ipc.NewResponse(ipc.MsgEncryptResp, reqID, &ipc.EncryptResponse{Data: ciphertext})
}

func (b *Bridge) handleDecrypt(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	if errMsg := b.requireManager(reqID); errMsg != nil {
		return errMsg, nil
	}

	var req ipc.DecryptRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid decrypt request", ""), nil
	}
	if len(req.Data) == 0 {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "no data to decrypt", ""), nil
	}

	alias := b.resolveAlias(req.Name)
	plaintext, err := b.decryptGated(ctx, alias, req.Data)
	if err != nil {
		return b.decryptError(reqID, alias, err), nil
	}
	return ipc.NewResponse(ipc.MsgDecryptResp, reqID, &ipc.DecryptResponse{Data: plaintext})
}

// decryptGated runs one presence-gated decryption, rejecting a second
// concurrent request for the same alias.
func (b *Bridge) decryptGated(ctx context.Context, alias string, ciphertext []byte) ([]byte, error) {
	decryptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if _, busy := b.decrypting[alias]; busy {
		b.mu.Unlock()
		return nil, fmt.Errorf("decrypt already in progress for this key")
	}
	b.decrypting[alias] = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.decrypting, alias)
		b.mu.Unlock()
	}()

	session, err := b.manager.BeginDecrypt(decryptCtx, alias, ciphertext)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	return b.gate.Authorize(decryptCtx, session)
}

func (b *Bridge) handleDecryptCancel(msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID

	var req ipc.DecryptCancelRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid decryptCancel request", ""), nil
	}

	alias := b.resolveAlias(req.Name)
	b.mu.Lock()
	cancel, active := b.decrypting[alias]
	b.mu.Unlock()

	if active {
		// Tear down the OS-level prompt first, then the request context,
		// so the waiting caller observes a cancellation rather than a
		// hung prompt. The gate only cancels when this alias owns the
		// prompt; a request still queued behind another alias's prompt is
		// cancelled through its context alone.
		b.gate.CancelActive(alias)
		cancel()
		b.record(audit.OpDecryptCancelled, alias, "cancelled by client")
	}
	return ipc.NewResponse(ipc.MsgDecryptCancelResp, reqID, &ipc.DecryptCancelResponse{Success: active})
}

func (b *Bridge) handleVerifyPresence(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID

	var req ipc.VerifyPresenceRequest
	if len(msg.Payload) > 0 {
		if err := ipc.Decode(msg.Payload, &req); err != nil {
			return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid verifyPresence request", ""), nil
		}
	}

	if enrolled, err := b.gate.Enrolled(ctx); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeUserPresenceFailure,
			"Presence verification is not available on this device.", err.Error()), nil
	} else if !enrolled {
		return ipc.NewErrorMessage(reqID, ipc.CodeUserPresenceFailure,
			"No presence credentials are enrolled on this device.", ""), nil
	}

	if err := b.gate.VerifyPresence(ctx); err != nil {
		detail := ""
		if errors.Is(err, presence.ErrCancelled) {
			detail = "verification was cancelled"
		}
		return ipc.NewErrorMessage(reqID, ipc.CodeUserPresenceFailure,
			"User presence could not be verified.", detail), nil
	}
	return ipc.NewResponse(ipc.MsgVerifyPresenceResp, reqID, &ipc.VerifyPresenceResponse{Verified: true})
}

func (b *Bridge) handleStoreSave(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	if errMsg := b.requireStore(reqID); errMsg != nil {
		return errMsg, nil
	}

	var req ipc.StoreSaveRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid store save request", ""), nil
	}

	// The store's key is created on first use, not at daemon start.
	if err := b.ensureDefaultKey(ctx); err != nil {
		b.logger.Error("default key unavailable", "error", err)
		return b.delegateError(reqID, err), nil
	}

	name := resolveStore(req.Name)
	if err := b.store.Save(ctx, name, req.Data); err != nil {
		b.logger.Error("store save failed", "name", logging.Digest(name), "error", err)
		return b.delegateError(reqID, err), nil
	}
	return ipc.NewResponse(ipc.MsgStoreSaveResp, reqID, &ipc.StoreSaveResponse{Success: true})
}

func (b *Bridge) handleStoreLoad(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	if errMsg := b.requireStore(reqID); errMsg != nil {
		return errMsg, nil
	}

	var req ipc.StoreLoadRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid store load request", ""), nil
	}

	name := resolveStore(req.Name)
	hadBackup := b.store.HasBackup(name) && !b.store.HasData(name)

	data, err := b.store.Load(ctx, name)
	if err != nil {
		return b.decryptError(reqID, name, err), nil
	}
	if hadBackup {
		b.record(audit.OpBackupPromoted, name, "")
	}
	return ipc.NewResponse(ipc.MsgStoreLoadResp, reqID, &ipc.StoreLoadResponse{
		Data:   data,
		Exists: data != nil,
	})
}

func (b *Bridge) handleStoreStatus(msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	if errMsg := b.requireStore(reqID); errMsg != nil {
		return errMsg, nil
	}

	var req ipc.StoreStatusRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid store status request", ""), nil
	}

	name := resolveStore(req.Name)
	return ipc.NewResponse(ipc.MsgStoreStatusResp, reqID, &ipc.StoreStatusResponse{
		HasData:   b.store.HasData(name),
		HasBackup: b.store.HasBackup(name),
	})
}

func (b *Bridge) handleStoreDelete(msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	if errMsg := b.requireStore(reqID); errMsg != nil {
		return errMsg, nil
	}

	var req ipc.StoreDeleteRequest
	if err := ipc.Decode(msg.Payload, &req); err != nil {
		return ipc.NewErrorMessage(reqID, ipc.CodeInvalidRequest, "invalid store delete request", ""), nil
	}

	name := resolveStore(req.Name)
	if err := b.store.Delete(name); err != nil {
		return b.delegateError(reqID, err), nil
	}
	return ipc.NewResponse(ipc.MsgStoreDeleteResp, reqID, &ipc.StoreDeleteResponse{Success: true})
}

// ensureDefaultKey generates the store's key pair if the alias has no
// key material yet.
func (b *Bridge) ensureDefaultKey(ctx context.Context) error {
	alias := b.cfg.Keys.DefaultAlias
	has, err := b.manager.HasKey(ctx, alias)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := b.manager.GenerateKeyPair(ctx, alias, false); err != nil {
		return err
	}
	b.record(audit.OpKeyGenerated, alias, b.choice.Scheme.Name)
	return nil
}

// requireStore returns the error frame sent when the encrypted store is
// unavailable (no eligible scheme, so no cipher to run it).
func (b *Bridge) requireStore(reqID uint32) *ipc.Message {
	if b.store != nil {
		return nil
	}
	return ipc.NewErrorMessage(reqID, ipc.CodeNotReady, msgNoEnvironment, b.choice.Warning)
}

// delegateError converts a keystore failure into the wire envelope. The
// mechanism detail goes into Details; Message stays user-safe.
func (b *Bridge) delegateError(reqID uint32, err error) *ipc.Message {
	return ipc.NewErrorMessage(reqID, ipc.CodeSecureDelegate, msgDelegateFailure, diagnostic(err))
}

// decryptError maps the decrypt path's failure modes onto their error
// codes: user cancellation and exhausted retries are biometric
// cancellations, bad ciphertext is a decryption failure, everything
// else is a delegate problem.
func (b *Bridge) decryptError(reqID uint32, alias string, err error) *ipc.Message {
	switch {
	case errors.Is(err, presence.ErrCancelled):
		b.record(audit.OpDecryptCancelled, alias, "cancelled by user")
		return ipc.NewErrorMessage(reqID, ipc.CodeBiometricCancel, msgBiometricCancel, msgUserCancelled)

	case errors.Is(err, presence.ErrRetriesExhausted):
		b.record(audit.OpDecryptDenied, alias, "verification attempts exhausted")
		return ipc.NewErrorMessage(reqID, ipc.CodeBiometricCancel, msgBiometricCancel, "")

	case errors.Is(err, keystore.ErrMalformedCiphertext),
		errors.Is(err, keystore.ErrDecryptionFailed),
		errors.Is(err, blobstore.ErrCorruptBlob):
		b.logger.Error("decryption failed", "alias", logging.Digest(alias), "error", err)
		return ipc.NewErrorMessage(reqID, ipc.CodeDecryptionFailed, msgDecryptionFailed, diagnostic(err))

	default:
		b.logger.Error("decrypt delegate failure", "alias", logging.Digest(alias), "error", err)
		return b.delegateError(reqID, err)
	}
}

// diagnostic extracts a short mechanism description for the Details
// field, preferring the typed delegate wrapper over raw error text.
func diagnostic(err error) string {
	var de *keystore.DelegateError
	if errors.As(err, &de) {
		return fmt.Sprintf("%s operation failed", de.Op)
	}
	return err.Error()
}

// record appends an audit entry when auditing is enabled.
func (b *Bridge) record(op, alias, detail string) {
	if b.auditor == nil {
		return
	}
	if err := b.auditor.Append(op, alias, detail); err != nil {
		b.logger.Warn("audit append failed", "op", op, "error", err)
	}
}
