package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ludgerheide/powermeter-lora/pkg/lorawan"
)

// Provisioning artifact file names, written once by the provisioning tool
// into a directory that is never touched at runtime.
const (
	DevEUIFile = "DEV_EUI"
	AppEUIFile = "APP_EUI"
	AppKeyFile = "APP_KEY"
)

// DeviceIdentity is the immutable per-device identity. It is loaded once at
// startup and read-only to everything but the out-of-band provisioning
// process.
type DeviceIdentity struct {
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key
}

// Load reads the three provisioning artifacts from dir. Each file holds
// lowercase hexadecimal with no separators. The EUIs are stored in the
// MSB-first order network consoles display and are byte-reversed here into
// the LSB-first order the radio frames use; the key is not reversed.
func Load(dir string) (*DeviceIdentity, error) {
	devEUI, err := readHexFile(filepath.Join(dir, DevEUIFile), 8)
	if err != nil {
		return nil, fmt.Errorf("load DevEUI: %w", err)
	}
	joinEUI, err := readHexFile(filepath.Join(dir, AppEUIFile), 8)
	if err != nil {
		return nil, fmt.Errorf("load AppEUI: %w", err)
	}
	appKey, err := readHexFile(filepath.Join(dir, AppKeyFile), 16)
	if err != nil {
		return nil, fmt.Errorf("load AppKey: %w", err)
	}

	id := &DeviceIdentity{}
	copy(id.DevEUI[:], devEUI)
	copy(id.JoinEUI[:], joinEUI)
	copy(id.AppKey[:], appKey)

	id.DevEUI = id.DevEUI.Reversed()
	id.JoinEUI = id.JoinEUI.Reversed()

	return id, nil
}

func readHexFile(path string, wantLen int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(string(raw))
	if text != strings.ToLower(text) {
		return nil, fmt.Errorf("%s: uppercase hex not accepted", path)
	}

	b, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("%s: expected %d bytes, got %d", path, wantLen, len(b))
	}
	return b, nil
}
