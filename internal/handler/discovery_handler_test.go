package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/internal/discovery"
	"psu-service/internal/model"
	"psu-service/internal/service"
)

type stubScanner struct {
	kind      string
	available bool
	devices   []*discovery.DiscoveredDevice
}

func (s *stubScanner) Scan(context.Context) ([]*discovery.DiscoveredDevice, error) {
	return s.devices, nil
}
func (s *stubScanner) GetScannerType() string { return s.kind }
func (s *stubScanner) IsAvailable() bool      { return s.available }

func discoveryRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	match := []model.VidPid{{VendorID: 0x0416, ProductID: 0x5011}}
	svc := service.NewDiscoveryService(match, zap.NewNop(),
		&stubScanner{kind: "serial", available: true, devices: []*discovery.DiscoveredDevice{
			{Transport: "serial", Port: "/dev/ttyACM0", VendorID: "0416", ProductID: "5011", Supported: true, Confidence: 0.8},
		}},
		&stubScanner{kind: "usb", available: false},
	)
	h := NewDiscoveryHandler(svc, zap.NewNop())

	r := gin.New()
	r.GET("/discovery/scan", h.ScanDevices)
	r.GET("/discovery/serial", h.ScanSerial)
	r.GET("/discovery/usb", h.ScanUSB)
	r.GET("/discovery/supported", h.GetSupportedDevices)
	return r
}

func TestDiscoveryHandler_Scan(t *testing.T) {
	r := discoveryRouter()

	for _, target := range []string{"/discovery/scan", "/discovery/scan?type=serial&timeout=2s", "/discovery/serial"} {
		w, resp := do(r, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, w.Code, target)
		data := resp.Data.(map[string]interface{})
		assert.EqualValues(t, 1, data["devices_found"], target)
	}
}

func TestDiscoveryHandler_BadRequests(t *testing.T) {
	r := discoveryRouter()

	for _, target := range []string{"/discovery/scan?type=tcp", "/discovery/scan?timeout=later", "/discovery/usb"} {
		w, resp := do(r, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.False(t, resp.Success)
	}
}

func TestDiscoveryHandler_Supported(t *testing.T) {
	w, resp := do(discoveryRouter(), http.MethodGet, "/discovery/supported", "")
	require.Equal(t, http.StatusOK, w.Code)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"serial"}, data["available_scanners"])
}
