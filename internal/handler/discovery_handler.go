// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"psu-service/internal/discovery"
	"psu-service/internal/service"
	"psu-service/internal/utils"
)

var scanErrors = []utils.ErrorRule{
	{Target: service.ErrInvalidScan, Status: http.StatusBadRequest, Message: "Invalid scan request"},
	{Target: discovery.ErrUnknownScanner, Status: http.StatusBadRequest, Message: "Unknown scan type"},
	{Target: discovery.ErrScannerUnavailable, Status: http.StatusBadRequest, Code: "SCANNER_UNAVAILABLE", Message: "Scanner unavailable"},
}

// DiscoveryHandler handles device discovery requests
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// ScanDevices scans for attached supplies
// @Summary Scan for devices
// @Description List serial ports and USB devices, flagging the ones that look like a supported supply
// @Tags Discovery
// @Produce json
// @Param type query string false "Scan type" Enums(all, serial, usb) default(all)
// @Param timeout query string false "Scan timeout" default(10s)
// @Success 200 {object} utils.APIResponse{data=object{devices_found=int,devices=[]discovery.DiscoveredDevice}} "Device scan completed"
// @Failure 400 {object} utils.APIResponse "Invalid scan request"
// @Router /api/v1/discovery/scan [get]
func (h *DiscoveryHandler) ScanDevices(c *gin.Context) {
	h.scan(c, c.DefaultQuery("type", "all"))
}

// ScanSerial lists serial ports
// @Summary Scan serial ports
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Router /api/v1/discovery/serial [get]
func (h *DiscoveryHandler) ScanSerial(c *gin.Context) {
	h.scan(c, "serial")
}

// ScanUSB walks the USB bus
// @Summary Scan USB bus
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse
// @Failure 400 {object} utils.APIResponse "USB scanning unavailable"
// @Router /api/v1/discovery/usb [get]
func (h *DiscoveryHandler) ScanUSB(c *gin.Context) {
	h.scan(c, "usb")
}

// GetSupportedDevices returns supported models and USB identifiers
// @Summary Get supported devices
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=service.SupportedDevicesResponse}
// @Router /api/v1/discovery/supported [get]
func (h *DiscoveryHandler) GetSupportedDevices(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Supported devices retrieved", h.discoveryService.GetSupportedDevices())
}

func (h *DiscoveryHandler) scan(c *gin.Context, scanType string) {
	req := &service.ScanRequest{
		ScanType: scanType,
		Timeout:  c.Query("timeout"),
	}

	devices, err := h.discoveryService.ScanDevices(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("Device scan failed", zap.String("type", scanType), zap.Error(err))
		utils.RuleErrorResponse(c, err, "Failed to scan devices", scanErrors...)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device scan completed", gin.H{
		"devices_found": len(devices),
		"devices":       devices,
	})
}
