//go:build linux

// fprintd verifier: fingerprint verification over the system D-Bus.

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"vaultd/internal/logging"
)

// fprintd D-Bus constants.
const (
	fprintService         = "net.reactivated.Fprint"
	fprintManagerPath     = "/net/reactivated/Fprint/Manager"
	fprintManagerIface    = "net.reactivated.Fprint.Manager"
	fprintDeviceIface     = "net.reactivated.Fprint.Device"
	fprintVerifyStatusSig = "net.reactivated.Fprint.Device.VerifyStatus"
)

// fprintd verify results.
const (
	verifyMatch        = "verify-match"
	verifyNoMatch      = "verify-no-match"
	verifyDisconnected = "verify-disconnected"
	verifyUnknownError = "verify-unknown-error"
)

var errNoFingerprintDevice = errors.New("presence: no fingerprint device")

// FprintVerifier verifies presence against an enrolled fingerprint via
// the fprintd daemon.
type FprintVerifier struct {
	mu         sync.Mutex
	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	verifying  bool
	logger     *slog.Logger
}

var _ Verifier = (*FprintVerifier)(nil)

// NewFprintVerifier connects to the system bus and binds the default
// fingerprint device.
func NewFprintVerifier() (*FprintVerifier, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("presence: connect system bus: %w", err)
	}

	manager := conn.Object(fprintService, fprintManagerPath)
	var devicePath dbus.ObjectPath
	if err := manager.Call(fprintManagerIface+".GetDefaultDevice", 0).Store(&devicePath); err != nil {
		conn.Close()
		return nil, errNoFingerprintDevice
	}

	return &FprintVerifier{
		conn:       conn,
		devicePath: devicePath,
		logger:     logging.Default().WithComponent("presence").With("verifier", "fprintd"),
	}, nil
}

// Enrolled reports whether the current user has enrolled fingers.
func (v *FprintVerifier) Enrolled(ctx context.Context) (bool, error) {
	device := v.conn.Object(fprintService, v.devicePath)
	var fingers []string
	// Empty username means the caller's own user.
	if err := device.Call(fprintDeviceIface+".ListEnrolledFingers", 0, "").Store(&fingers); err != nil {
		// fprintd answers with an error when nothing is enrolled.
		return false, nil
	}
	return len(fingers) > 0, nil
}

// Verify claims the device, runs one verification, and maps the
// fprintd result to an Outcome. Retry-style results ("finger not
// centered", "swipe too short") keep the same verification running
// until fprintd reports a final result.
func (v *FprintVerifier) Verify(ctx context.Context, prompt Prompt) (Outcome, error) {
	v.mu.Lock()
	if v.verifying {
		v.mu.Unlock()
		return Outcome{}, errors.New("presence: verification already in progress")
	}
	v.verifying = true
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.verifying = false
		v.mu.Unlock()
	}()

	device := v.conn.Object(fprintService, v.devicePath)

	if err := device.Call(fprintDeviceIface+".Claim", 0, "").Err; err != nil {
		return Outcome{}, fmt.Errorf("presence: claim fingerprint device: %w", err)
	}
	defer device.Call(fprintDeviceIface+".Release", 0)

	if err := v.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(v.devicePath),
		dbus.WithMatchInterface(fprintDeviceIface),
		dbus.WithMatchMember("VerifyStatus"),
	); err != nil {
		return Outcome{}, fmt.Errorf("presence: subscribe verify status: %w", err)
	}
	defer v.conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(v.devicePath),
		dbus.WithMatchInterface(fprintDeviceIface),
		dbus.WithMatchMember("VerifyStatus"),
	)

	signals := make(chan *dbus.Signal, 8)
	v.conn.Signal(signals)
	defer v.conn.RemoveSignal(signals)

	if err := device.Call(fprintDeviceIface+".VerifyStart", 0, "any").Err; err != nil {
		return Outcome{}, fmt.Errorf("presence: start verification: %w", err)
	}
	defer device.Call(fprintDeviceIface+".VerifyStop", 0)

	for {
		select {
		case <-ctx.Done():
			return Outcome{Cancelled: true}, nil

		case sig, ok := <-signals:
			if !ok {
				return Outcome{}, errors.New("presence: signal channel closed")
			}
			if sig.Name != fprintVerifyStatusSig || len(sig.Body) < 2 {
				continue
			}
			result, _ := sig.Body[0].(string)
			done, _ := sig.Body[1].(bool)
			v.logger.Debug("verify status", "result", result, "done", done)

			switch result {
			case verifyMatch:
				return Outcome{Match: true}, nil
			case verifyNoMatch:
				return Outcome{}, nil
			case verifyDisconnected:
				return Outcome{}, errNoFingerprintDevice
			case verifyUnknownError:
				return Outcome{}, errors.New("presence: fingerprint reader error")
			default:
				// Retry hints; the scan continues unless fprintd says
				// it finished.
				if done {
					return Outcome{}, nil
				}
			}
		}
	}
}

// Cancel stops an in-flight verification.
func (v *FprintVerifier) Cancel() {
	device := v.conn.Object(fprintService, v.devicePath)
	device.Call(fprintDeviceIface+".VerifyStop", 0)
}

func (v *FprintVerifier) Close() error {
	return v.conn.Close()
}
