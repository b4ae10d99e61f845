// internal/handler/psu_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"psu-service/internal/model"
	"psu-service/internal/service"
	"psu-service/internal/utils"
)

// PSUService is what the HTTP and WebSocket layers need from the monitor
type PSUService interface {
	GetSnapshot() model.Snapshot
	SetVoltage(v decimal.Decimal) error
	Reconnect() error
	ListReadings(ctx context.Context, filter *model.ReadingFilter) ([]*model.Reading, error)
}

// setVoltageErrors maps monitor refusals of a set command to client errors
var setVoltageErrors = []utils.ErrorRule{
	{Target: service.ErrVoltageOutOfRange, Status: http.StatusBadRequest, Code: "VOLTAGE_OUT_OF_RANGE", Message: "Voltage out of range"},
	{Target: service.ErrNotReady, Status: http.StatusServiceUnavailable, Code: "DEVICE_NOT_READY", Message: "Power supply not ready"},
}

var readingErrors = []utils.ErrorRule{
	{Target: service.ErrHistoryDisabled, Status: http.StatusNotFound, Code: "HISTORY_DISABLED", Message: "Reading history is disabled"},
}

// PSUHandler handles power supply requests
type PSUHandler struct {
	psu    PSUService
	logger *utils.ServiceLogger
}

// NewPSUHandler creates a new PSU handler
func NewPSUHandler(psu PSUService, logger *zap.Logger) *PSUHandler {
	return &PSUHandler{
		psu:    psu,
		logger: utils.NewServiceLogger(logger, "psu-handler"),
	}
}

// SetVoltageRequest is the body of POST /psu/voltage
type SetVoltageRequest struct {
	Voltage *decimal.Decimal `json:"voltage" binding:"required"`
}

// GetSnapshot returns the latest known state
// @Summary Get supply state
// @Description Connection state, identity, last reading and status byte
// @Tags PSU
// @Produce json
// @Success 200 {object} utils.APIResponse{data=model.Snapshot}
// @Router /api/v1/psu [get]
func (h *PSUHandler) GetSnapshot(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Snapshot retrieved", h.psu.GetSnapshot())
}

// SetVoltage queues a set-voltage command
// @Summary Set output voltage
// @Description Queue VSET1 with the given value. It is sent between polling exchanges.
// @Tags PSU
// @Accept json
// @Produce json
// @Param request body SetVoltageRequest true "Voltage in volts"
// @Success 202 {object} utils.APIResponse
// @Failure 400 {object} utils.APIResponse
// @Failure 503 {object} utils.APIResponse
// @Router /api/v1/psu/voltage [post]
func (h *PSUHandler) SetVoltage(c *gin.Context) {
	var req SetVoltageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.psu.SetVoltage(*req.Voltage); err != nil {
		if !utils.RuleErrorResponse(c, err, "Failed to set voltage", setVoltageErrors...) {
			h.logger.Error("Failed to queue set voltage", zap.Error(err))
		}
		return
	}

	utils.AcceptedResponse(c, "Set voltage queued", gin.H{
		"voltage": req.Voltage.StringFixed(2),
	})
}

// Reconnect closes the port so the link rediscovers the supply
// @Summary Reconnect
// @Tags PSU
// @Produce json
// @Success 202 {object} utils.APIResponse
// @Router /api/v1/psu/reconnect [post]
func (h *PSUHandler) Reconnect(c *gin.Context) {
	if err := h.psu.Reconnect(); err != nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Reconnect failed", err)
		return
	}
	utils.AcceptedResponse(c, "Reconnect requested", nil)
}

// ListReadings returns stored readings, newest first
// @Summary Reading history
// @Tags PSU
// @Produce json
// @Param port query string false "Port name"
// @Param since query string false "RFC3339 lower bound"
// @Param until query string false "RFC3339 upper bound"
// @Param limit query int false "Maximum rows" default(100)
// @Success 200 {object} utils.APIResponse{data=[]model.Reading}
// @Failure 404 {object} utils.APIResponse "History disabled"
// @Router /api/v1/psu/readings [get]
func (h *PSUHandler) ListReadings(c *gin.Context) {
	filter, validationErrors := parseReadingFilter(c)
	if len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	readings, err := h.psu.ListReadings(c.Request.Context(), filter)
	if err != nil {
		if !utils.RuleErrorResponse(c, err, "Failed to list readings", readingErrors...) {
			h.logger.Error("Failed to list readings", zap.Error(err))
		}
		return
	}
	if readings == nil {
		readings = []*model.Reading{}
	}

	utils.SuccessResponse(c, http.StatusOK, "Readings retrieved", readings)
}

func parseReadingFilter(c *gin.Context) (*model.ReadingFilter, map[string]string) {
	filter := &model.ReadingFilter{}
	errs := map[string]string{}

	if port := c.Query("port"); port != "" {
		filter.Port = &port
	}
	for _, key := range []string{"since", "until"} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errs[key] = "must be an RFC3339 timestamp"
			continue
		}
		if key == "since" {
			filter.Since = &ts
		} else {
			filter.Until = &ts
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			errs["limit"] = "must be a positive integer"
		}
		filter.Limit = limit
	}

	return filter, errs
}
