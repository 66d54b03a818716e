package hsm

import (
	"fmt"
	"log/slog"
	"strings"
)

// Dial returns the connector for addr. An http or https URL reaches a
// YubiHSM2 through yubihsm-connector; anything else is a keystore file,
// with or without a file:// prefix.
func Dial(addr string, logger *slog.Logger) (Connector, error) {
	switch {
	case addr == "":
		return nil, fmt.Errorf("%w: empty address", ErrUnsupportedConnector)
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return NewYubiHSM(YubiHSMConfig{URL: addr, Logger: logger}), nil
	case strings.HasPrefix(addr, "yhusb://"):
		return nil, fmt.Errorf("%w: %s (serve the device with yubihsm-connector and use its URL)", ErrUnsupportedConnector, addr)
	}
	h, err := LoadSoftHSM(strings.TrimPrefix(addr, "file://"))
	if err != nil {
		return nil, fmt.Errorf("loading keystore: %w", err)
	}
	return h, nil
}
