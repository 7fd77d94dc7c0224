package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// BLEAddressRegex matches a colon separated 48-bit device address.
	BLEAddressRegex = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

	// EventNameRegex matches client command names such as "ble-scan".
	EventNameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{0,63}$`)
)

// ValidateBLEAddress checks addr and returns it upper-cased.
func ValidateBLEAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("address is required")
	}
	if !BLEAddressRegex.MatchString(addr) {
		return "", fmt.Errorf("invalid address format %q (want XX:XX:XX:XX:XX:XX)", addr)
	}
	return strings.ToUpper(addr), nil
}

// ValidateEventName validates the "event" field of an inbound client message.
func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("event is required")
	}
	if !EventNameRegex.MatchString(name) {
		return fmt.Errorf("invalid event name %q", name)
	}
	return nil
}

// ValidateScanTimeout bounds a client supplied scan duration.
func ValidateScanTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("scan timeout must be positive")
	}
	if d > time.Minute {
		return fmt.Errorf("scan timeout is too long (max 1m)")
	}
	return nil
}
