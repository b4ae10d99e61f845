// internal/model/device.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConnectionState represents the state of the serial link
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "DISCONNECTED"
	ConnectionStateSearching    ConnectionState = "SEARCHING"
	ConnectionStateOpen         ConnectionState = "OPEN"
)

// OutputMode represents the regulation mode reported by the supply
type OutputMode string

const (
	OutputModeCV      OutputMode = "CV"
	OutputModeCC      OutputMode = "CC"
	OutputModeUnknown OutputMode = "UNKNOWN"
)

// VidPid is a USB vendor/product identifier pair
type VidPid struct {
	VendorID  uint16 `json:"vendor_id" mapstructure:"vendor_id"`
	ProductID uint16 `json:"product_id" mapstructure:"product_id"`
}

// String formats the pair the way lsusb does
func (v VidPid) String() string {
	return fmt.Sprintf("%04x:%04x", v.VendorID, v.ProductID)
}

// SerialPort describes a serial port found on the host
type SerialPort struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	HasUSBIDs    bool   `json:"has_usb_ids"`
	VendorID     uint16 `json:"vendor_id,omitempty"`
	ProductID    uint16 `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	Busy         bool   `json:"busy"`
}

// Matches reports whether the port carries the given USB identifiers
func (p *SerialPort) Matches(id VidPid) bool {
	return p.HasUSBIDs && p.VendorID == id.VendorID && p.ProductID == id.ProductID
}

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// DeviceStatus is the decoded STATUS? byte
type DeviceStatus struct {
	Raw           byte       `json:"raw"`
	Mode          OutputMode `json:"mode"`
	OutputEnabled bool       `json:"output_enabled"`
	Beep          bool       `json:"beep"`
	Locked        bool       `json:"locked"`
}

// Snapshot is the latest known state of the supply
type Snapshot struct {
	State      ConnectionState `json:"state"`
	Port       string          `json:"port,omitempty"`
	Identity   string          `json:"identity,omitempty"`
	Verified   bool            `json:"verified"`
	Reading    *Reading        `json:"reading,omitempty"`
	Status     *DeviceStatus   `json:"status,omitempty"`
	Timeouts   int64           `json:"timeouts"`
	Reconnects int64           `json:"reconnects"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsOnline checks if the supply is open and identified
func (s *Snapshot) IsOnline() bool {
	return s.State == ConnectionStateOpen && s.Verified
}

// ParseVidPid parses "0416:5011" style identifiers
func ParseVidPid(s string) (VidPid, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return VidPid{}, fmt.Errorf("invalid USB id %q, expected vid:pid", s)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return VidPid{}, fmt.Errorf("invalid vendor id in %q: %w", s, err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return VidPid{}, fmt.Errorf("invalid product id in %q: %w", s, err)
	}
	return VidPid{VendorID: uint16(vid), ProductID: uint16(pid)}, nil
}
