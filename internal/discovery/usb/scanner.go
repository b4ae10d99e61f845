// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"psu-service/internal/discovery"
	"psu-service/internal/model"
)

// Scanner walks the USB bus looking for supplies and their serial bridges.
// It reports what is attached; opening the serial side is the link's job.
type Scanner struct {
	logger       *zap.Logger
	knownDevices *DeviceDatabase
	match        []model.VidPid
	config       *Config
}

// Config for USB scanner
type Config struct {
	ScanTimeout   time.Duration `json:"scan_timeout"`
	MaxConcurrent int           `json:"max_concurrent"`
	DebugLevel    int           `json:"debug_level"` // libusb verbosity, 0-4
}

// NewScanner creates a new USB scanner. Identifiers in match are reported as
// supported even when the database does not know them.
func NewScanner(logger *zap.Logger, match []model.VidPid, config *Config) *Scanner {
	if config == nil {
		config = &Config{
			ScanTimeout:   10 * time.Second,
			MaxConcurrent: 4,
		}
	}

	return &Scanner{
		logger:       logger.With(zap.String("scanner", "usb")),
		knownDevices: NewDeviceDatabase(),
		match:        match,
		config:       config,
	}
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable checks that libusb can enumerate the bus
func (s *Scanner) IsAvailable() bool {
	ctx := gousb.NewContext()
	defer ctx.Close()

	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return false
	})
	if err != nil {
		s.logger.Debug("USB access check failed", zap.Error(err))
		return false
	}
	return true
}

// Scan performs USB device discovery
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	startTime := time.Now()

	scanCtx, cancel := context.WithTimeout(ctx, s.config.ScanTimeout)
	defer cancel()

	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()
	if s.config.DebugLevel > 0 {
		usbCtx.Debug(s.config.DebugLevel)
	}

	// Only candidates are opened; string descriptors need an open handle.
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return s.identify(desc) != nil
	})
	defer s.closeAllDevices(devices)
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("device enumeration failed: %w", err)
	}
	if err != nil {
		s.logger.Warn("Some USB devices could not be opened", zap.Error(err))
	}

	discovered, err := s.processDevicesConcurrently(scanCtx, devices)
	if err != nil {
		return discovered, err
	}

	s.logger.Info("USB scan completed",
		zap.Int("devices_found", len(discovered)),
		zap.Duration("scan_duration", time.Since(startTime)),
	)
	return discovered, nil
}

// identify classifies a descriptor without opening it. nil means the device
// is of no interest.
func (s *Scanner) identify(desc *gousb.DeviceDesc) *discovery.DiscoveredDevice {
	vendor, product := s.knownDevices.Lookup(desc.Vendor, desc.Product)
	matched := s.matches(desc)
	if vendor == nil && !matched {
		return nil
	}

	d := &discovery.DiscoveredDevice{
		Transport: "usb",
		VendorID:  fmt.Sprintf("%04x", uint16(desc.Vendor)),
		ProductID: fmt.Sprintf("%04x", uint16(desc.Product)),
		Location:  fmt.Sprintf("USB-Bus%d-Port%d-Addr%d", desc.Bus, desc.Port, desc.Address),
		Supported: matched,
	}
	if vendor != nil {
		d.Manufacturer = vendor.Name
	}
	switch {
	case product != nil:
		d.Model = product.Model
		d.Confidence = product.Confidence
		d.Supported = d.Supported || product.Supported
	case vendor != nil:
		d.Model = fmt.Sprintf("Unknown-%04X", uint16(desc.Product))
		d.Confidence = 0.1
	}
	if matched && d.Confidence < 0.8 {
		d.Confidence = 0.8
	}
	return d
}

func (s *Scanner) matches(desc *gousb.DeviceDesc) bool {
	for _, id := range s.match {
		if uint16(desc.Vendor) == id.VendorID && uint16(desc.Product) == id.ProductID {
			return true
		}
	}
	return false
}

func (s *Scanner) processDevicesConcurrently(ctx context.Context, devices []*gousb.Device) ([]*discovery.DiscoveredDevice, error) {
	if len(devices) == 0 {
		return []*discovery.DiscoveredDevice{}, nil
	}

	maxWorkers := s.config.MaxConcurrent
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	deviceChan := make(chan *gousb.Device, len(devices))
	resultChan := make(chan *discovery.DiscoveredDevice, len(devices))

	for i := 0; i < maxWorkers; i++ {
		go s.deviceWorker(ctx, deviceChan, resultChan)
	}
	for _, device := range devices {
		deviceChan <- device
	}
	close(deviceChan)

	discovered := make([]*discovery.DiscoveredDevice, 0, len(devices))
	for range devices {
		select {
		case d := <-resultChan:
			if d != nil {
				discovered = append(discovered, d)
			}
		case <-ctx.Done():
			return discovered, ctx.Err()
		}
	}
	return discovered, nil
}

func (s *Scanner) deviceWorker(ctx context.Context, deviceChan <-chan *gousb.Device, resultChan chan<- *discovery.DiscoveredDevice) {
	for device := range deviceChan {
		if ctx.Err() != nil {
			resultChan <- nil
			continue
		}
		resultChan <- s.processDevice(device)
	}
}

func (s *Scanner) processDevice(device *gousb.Device) *discovery.DiscoveredDevice {
	if device == nil || device.Desc == nil {
		return nil
	}
	d := s.identify(device.Desc)
	if d == nil {
		return nil
	}

	if m := s.stringDescriptor(device.Manufacturer, "manufacturer"); m != "" {
		d.Manufacturer = m
	}
	d.Product = s.stringDescriptor(device.Product, "product")
	d.SerialNumber = s.stringDescriptor(device.SerialNumber, "serial")
	return d
}

// stringDescriptor reads an optional descriptor; many bridges leave them empty
func (s *Scanner) stringDescriptor(read func() (string, error), name string) string {
	str, err := read()
	if err != nil {
		s.logger.Debug("Failed to read string descriptor", zap.String("descriptor", name), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(str)
}

func (s *Scanner) closeAllDevices(devices []*gousb.Device) {
	for _, device := range devices {
		if device == nil {
			continue
		}
		if err := device.Close(); err != nil {
			s.logger.Warn("Failed to close USB device", zap.Error(err))
		}
	}
}
