package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/finsentry/finsentry/internal/device"
	"github.com/finsentry/finsentry/internal/fraud"
	"github.com/finsentry/finsentry/internal/geo"
	"github.com/finsentry/finsentry/internal/health"
	"github.com/finsentry/finsentry/internal/logging"
	"github.com/finsentry/finsentry/internal/pagination"
	"github.com/finsentry/finsentry/internal/validation"
)

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Finsentry",
		"description": "Real-time transaction risk scoring",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Risk evaluation
// -----------------------------------------------------------------------------

// EvaluateRequest is the payload for POST /v1/evaluate
type EvaluateRequest struct {
	UserID   string           `json:"userId"`
	Amount   float64          `json:"amount"`
	Type     string           `json:"type"`
	DeviceID string           `json:"deviceId,omitempty"`
	IP       string           `json:"ip,omitempty"`
	Location *geo.Coordinates `json:"location,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

func (s *Server) evaluateHandler(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidUserID("userId", req.UserID),
		validation.Required("type", req.Type),
		validation.NonNegativeAmount("amount", req.Amount),
		validation.ValidDeviceID("deviceId", req.DeviceID),
		validation.ValidIP("ip", req.IP),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	ip := req.IP
	if ip == "" {
		ip = c.ClientIP()
	}

	result, err := s.engine.Evaluate(c.Request.Context(), &fraud.TransactionContext{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Type:     req.Type,
		DeviceID: req.DeviceID,
		IP:       ip,
		Location: req.Location,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, fraud.ErrInvalidContext) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_context",
				"message": err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("evaluation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "evaluation_failed",
			"message": "Failed to evaluate transaction risk",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// RecordTransactionRequest is the payload for POST /v1/transactions
type RecordTransactionRequest struct {
	UserID string  `json:"userId"`
	Amount float64 `json:"amount"`
}

// recordTransactionHandler folds a completed transaction into the user's
// rolling daily counters. Callers invoke it after the action goes through.
func (s *Server) recordTransactionHandler(c *gin.Context) {
	var req RecordTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidUserID("userId", req.UserID),
		validation.NonNegativeAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	if err := s.engine.RecordTransaction(c.Request.Context(), req.UserID, req.Amount); err != nil {
		logging.L(c.Request.Context()).Error("record transaction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "record_failed",
			"message": "Failed to record transaction",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func (s *Server) historyHandler(c *gin.Context) {
	userID := c.Param("userId")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}
	var before time.Time
	var beforeID string
	if cursor != nil {
		before = cursor.CreatedAt
		beforeID = cursor.ID
	}

	// Fetch one extra row to learn whether another page exists.
	results, err := s.engine.History(c.Request.Context(), userID, before, beforeID, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("history lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to load evaluation history",
		})
		return
	}

	results, nextCursor, hasMore := pagination.ComputePage(results, limit, func(r *fraud.Result) (time.Time, string) {
		return r.EvaluatedAt, r.ID
	})

	resp := gin.H{
		"userId":      userID,
		"evaluations": results,
		"count":       len(results),
		"hasMore":     hasMore,
	}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Devices
// -----------------------------------------------------------------------------

// GenerateDeviceRequest is the payload for POST /v1/devices
type GenerateDeviceRequest struct {
	UserID  string         `json:"userId,omitempty"`
	IP      string         `json:"ip,omitempty"`
	Signals device.Signals `json:"signals"`
}

func (s *Server) generateDeviceHandler(c *gin.Context) {
	var req GenerateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	if len(req.Signals) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "signals is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.ValidIP("ip", req.IP),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	ip := req.IP
	if ip == "" {
		ip = c.ClientIP()
	}

	info, err := s.devices.Generate(c.Request.Context(), req.Signals, req.UserID, ip)
	if err != nil {
		logging.L(c.Request.Context()).Error("device generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "device_failed",
			"message": "Failed to generate device identity",
		})
		return
	}

	c.JSON(http.StatusOK, info)
}

func (s *Server) getDeviceHandler(c *gin.Context) {
	info, err := s.devices.Get(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown device",
			})
			return
		}
		logging.L(c.Request.Context()).Error("device lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "device_failed",
			"message": "Failed to load device",
		})
		return
	}

	c.JSON(http.StatusOK, info)
}

func (s *Server) isTrustedHandler(c *gin.Context) {
	id := c.Param("deviceId")

	trusted, err := s.devices.IsTrusted(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			// Unknown devices are never trusted
			c.JSON(http.StatusOK, gin.H{"deviceId": id, "trusted": false})
			return
		}
		logging.L(c.Request.Context()).Error("trust check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "device_failed",
			"message": "Failed to check device trust",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deviceId": id, "trusted": trusted})
}

// TrustDeviceRequest is the payload for POST /v1/devices/:deviceId/trust
type TrustDeviceRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) trustDeviceHandler(c *gin.Context) {
	var req TrustDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidUserID("userId", req.UserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	info, err := s.devices.Trust(c.Request.Context(), c.Param("deviceId"), req.UserID)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown device",
			})
			return
		}
		logging.L(c.Request.Context()).Error("trust grant failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "device_failed",
			"message": "Failed to trust device",
		})
		return
	}

	c.JSON(http.StatusOK, info)
}

func (s *Server) listDevicesHandler(c *gin.Context) {
	userID := c.Param("userId")

	devices, err := s.devices.ListForUser(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("device list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "device_failed",
			"message": "Failed to list devices",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":  userID,
		"devices": devices,
		"count":   len(devices),
	})
}
