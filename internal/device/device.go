// Package device derives the local device's identity as presented to other
// room members.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
)

// Info is the attachment registered with the hub.
type Info struct {
	Name        string
	DeviceType  string
	BrowserInfo string
}

// Local builds the identity for this process. The CLI always presents as a
// desktop device; name defaults to the hostname.
func Local(nameOverride string) Info {
	name := nameOverride
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "clouddrop-cli"
		}
	}
	return Info{
		Name:        name,
		DeviceType:  "desktop",
		BrowserInfo: fmt.Sprintf("clouddrop-cli %s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// Fingerprint returns the stable identifier used by the trusted-device
// store: hex SHA-256 of "name|deviceType|browserInfo".
func Fingerprint(name, deviceType, browserInfo string) string {
	digest := sha256.Sum256([]byte(name + "|" + deviceType + "|" + browserInfo))
	return hex.EncodeToString(digest[:])
}
