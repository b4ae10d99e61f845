// internal/protocol/identity.go
package protocol

import (
	"bytes"
	"strings"
)

// Identity is a parsed *IDN? answer such as "KORAD KA3005P V4.2 SN:00000001"
type Identity struct {
	Raw     string `json:"raw"`
	Vendor  string `json:"vendor"`
	Model   string `json:"model"`
	Version string `json:"version,omitempty"`
	Serial  string `json:"serial,omitempty"`
}

const (
	supportedVendor = "KORAD"
	supportedModel  = "KA3005P"
)

// ParseIdentity reports whether answer comes from a supported supply.
// The answer must start with the vendor and, after trimming, continue with the model.
func ParseIdentity(answer []byte) (Identity, bool) {
	id := Identity{Raw: string(answer)}

	if !bytes.HasPrefix(answer, []byte(supportedVendor)) {
		return id, false
	}
	rest := bytes.TrimSpace(answer[len(supportedVendor):])
	if !bytes.HasPrefix(rest, []byte(supportedModel)) {
		return id, false
	}

	id.Vendor = supportedVendor
	fields := strings.Fields(string(rest))
	id.Model = fields[0]
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "SN:"):
			id.Serial = strings.TrimPrefix(f, "SN:")
		case strings.HasPrefix(f, "V") && id.Version == "":
			id.Version = strings.TrimPrefix(f, "V")
		}
	}
	return id, true
}
