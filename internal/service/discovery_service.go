// internal/service/discovery_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"psu-service/internal/discovery"
	"psu-service/internal/model"
	"psu-service/internal/utils"
)

const defaultScanTimeout = 10 * time.Second

// DiscoveryService runs on-demand scans for supplies attached to the host
type DiscoveryService struct {
	scannerManager *discovery.ScannerManager
	match          []model.VidPid
	logger         *utils.ServiceLogger
}

// ScanRequest selects the scanner and bounds the scan
type ScanRequest struct {
	ScanType string // all, serial, usb
	Timeout  string // Go duration, e.g. "5s"
}

// SupportedDevicesResponse lists what the service can drive
type SupportedDevicesResponse struct {
	Models    []string       `json:"models"`
	USBIDs    []model.VidPid `json:"usb_ids"`
	Protocol  string         `json:"protocol"`
	Available []string       `json:"available_scanners"`
}

// NewDiscoveryService registers the given scanners; unavailable ones are
// registered too and skipped at scan time
func NewDiscoveryService(match []model.VidPid, logger *zap.Logger, scanners ...discovery.DeviceScanner) *DiscoveryService {
	ds := &DiscoveryService{
		scannerManager: discovery.NewScannerManager(logger),
		match:          match,
		logger:         utils.NewServiceLogger(logger, "discovery-service"),
	}
	for _, s := range scanners {
		ds.scannerManager.RegisterScanner(s)
	}

	ds.logger.Info("Discovery scanners initialized",
		zap.Strings("available_scanners", ds.scannerManager.GetAvailableScanners()),
	)
	return ds
}

// ErrInvalidScan is returned for malformed scan requests
var ErrInvalidScan = errors.New("invalid scan request")

// ScanDevices scans for attached supplies and serial bridges
func (ds *DiscoveryService) ScanDevices(ctx context.Context, req *ScanRequest) ([]*discovery.DiscoveredDevice, error) {
	timeout := defaultScanTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: invalid timeout %q", ErrInvalidScan, req.Timeout)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ds.logger.Info("Starting device scan", zap.String("type", req.ScanType))

	var devices []*discovery.DiscoveredDevice
	var err error
	switch req.ScanType {
	case "", "all":
		devices, err = ds.scannerManager.ScanAll(ctx)
	case "serial", "usb":
		devices, err = ds.scannerManager.ScanByType(ctx, req.ScanType)
	default:
		return nil, fmt.Errorf("%w: unsupported scan type %s", ErrInvalidScan, req.ScanType)
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if devices == nil {
		devices = []*discovery.DiscoveredDevice{}
	}

	ds.logger.Info("Device scan completed",
		zap.Int("devices_found", len(devices)),
		zap.String("scan_type", req.ScanType),
	)
	return devices, nil
}

// GetSupportedDevices returns the supported models and configured USB identifiers
func (ds *DiscoveryService) GetSupportedDevices() *SupportedDevicesResponse {
	return &SupportedDevicesResponse{
		Models:    []string{"KORAD KA3005P"},
		USBIDs:    ds.match,
		Protocol:  "KA3005P ASCII, 9600 8N1",
		Available: ds.scannerManager.GetAvailableScanners(),
	}
}
