// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"psu-service/internal/discovery"
	"psu-service/internal/model"
)

// getPortsList is replaced in tests
var getPortsList = enumerator.GetDetailedPortsList

// Scanner lists serial ports with their USB identifiers. It is both the
// link's port enumerator and the serial discovery scanner.
type Scanner struct {
	logger *zap.Logger
	match  []model.VidPid
}

// NewScanner creates a serial scanner flagging ports that carry one of match
func NewScanner(logger *zap.Logger, match []model.VidPid) *Scanner {
	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		match:  match,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable reports true; serial enumeration works on every supported OS
func (s *Scanner) IsAvailable() bool {
	return true
}

// Ports returns the serial ports currently present on the host
func (s *Scanner) Ports() ([]*model.SerialPort, error) {
	details, err := getPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	ports := make([]*model.SerialPort, 0, len(details))
	for _, d := range details {
		ports = append(ports, convertPort(d))
	}
	return ports, nil
}

// Scan reports every serial port, marking the ones whose USB identifiers
// match the configured supply
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := s.Ports()
	if err != nil {
		return nil, err
	}

	devices := make([]*discovery.DiscoveredDevice, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, s.describe(p))
	}

	s.logger.Debug("Serial scan completed", zap.Int("ports", len(devices)))
	return devices, nil
}

func (s *Scanner) describe(p *model.SerialPort) *discovery.DiscoveredDevice {
	d := &discovery.DiscoveredDevice{
		Transport:    "serial",
		Port:         p.Name,
		Product:      p.Product,
		SerialNumber: p.SerialNumber,
		Location:     p.Name,
	}
	if !p.HasUSBIDs {
		return d
	}

	d.VendorID = fmt.Sprintf("%04x", p.VendorID)
	d.ProductID = fmt.Sprintf("%04x", p.ProductID)
	d.Confidence = 0.1
	for _, id := range s.match {
		if p.Matches(id) {
			d.Supported = true
			d.Confidence = 0.8
			break
		}
	}
	return d
}

func convertPort(d *enumerator.PortDetails) *model.SerialPort {
	p := &model.SerialPort{
		Name:         d.Name,
		IsUSB:        d.IsUSB,
		SerialNumber: d.SerialNumber,
		Product:      d.Product,
	}
	if !d.IsUSB {
		return p
	}

	vid, errV := parseHexID(d.VID)
	pid, errP := parseHexID(d.PID)
	if errV == nil && errP == nil {
		p.HasUSBIDs = true
		p.VendorID = vid
		p.ProductID = pid
	}
	return p
}

func parseHexID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty id")
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
