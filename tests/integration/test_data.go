package integration

import (
	"fmt"
	"time"
)

// TestPrincipal generates unique test principal credentials using timestamp
func TestPrincipal(suffix string) (email, password string) {
	ts := time.Now().UnixNano()
	email = fmt.Sprintf("test-%d-%s@example.com", ts, suffix)
	password = "TestPassword123!"
	return
}

// TestDeviceSignals returns a stable (deviceID, fingerprint) pair per suffix
func TestDeviceSignals(suffix string) (deviceID, fingerprint string) {
	deviceID = "device-" + suffix
	fingerprint = "fp-" + suffix
	return
}
