package api

import (
	"context"
	"net/http"
	"strings"

	"futures-risk-engine/internal/logging"
	"futures-risk-engine/internal/orders"
	"futures-risk-engine/internal/risk"
	"futures-risk-engine/internal/scanner"
	"futures-risk-engine/internal/trading"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ==================== SIZING ====================

func (s *Server) handleComputeSizing(c *gin.Context) {
	var req risk.SizingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_input", "Invalid request: "+err.Error())
		return
	}
	if req.Side != "" {
		side, err := trading.ParseSide(string(req.Side))
		if err != nil {
			respondError(c, err)
			return
		}
		req.Side = side
	}

	result, err := s.engine.ComputeSizing(req)
	if err != nil {
		respondError(c, err)
		return
	}
	successResponse(c, result)
}

// ==================== PROTECTIVE ORDERS ====================

// bindProtective decodes a protective intent and normalizes its side and kind.
func bindProtective(c *gin.Context) (orders.ProtectiveIntent, bool) {
	var intent orders.ProtectiveIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_input", "Invalid request: "+err.Error())
		return intent, false
	}
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
	side, err := trading.ParseSide(string(intent.Side))
	if err != nil {
		respondError(c, err)
		return intent, false
	}
	intent.Side = side
	if intent.Kind == "" {
		intent.Kind = trading.KindStop
	}
	intent.Kind = trading.ProtectiveKind(strings.ToUpper(string(intent.Kind)))
	if intent.Reason == "" {
		intent.Reason = "api"
	}
	return intent, true
}

func protectiveLogger(c *gin.Context, intent orders.ProtectiveIntent) (context.Context, zerolog.Logger) {
	ctx := c.Request.Context()
	l := logging.ProtectiveContext(logging.FromContext(ctx), intent.Symbol, string(intent.Side), string(intent.Kind))
	return logging.NewContext(ctx, l), l
}

func (s *Server) handleAttachProtective(c *gin.Context) {
	intent, ok := bindProtective(c)
	if !ok {
		return
	}
	ctx, log := protectiveLogger(c, intent)
	ref, err := s.engine.AttachProtectiveOrder(ctx, intent)
	if err != nil {
		log.Warn().Err(err).Msg("Attach protective order failed")
		respondError(c, err)
		return
	}
	successResponse(c, ref)
}

func (s *Server) handleReplaceProtective(c *gin.Context) {
	intent, ok := bindProtective(c)
	if !ok {
		return
	}
	ctx, log := protectiveLogger(c, intent)
	ref, err := s.engine.ReplaceProtectiveOrder(ctx, intent)
	if err != nil {
		log.Warn().Err(err).Msg("Replace protective order failed")
		respondError(c, err)
		return
	}
	successResponse(c, ref)
}

func (s *Server) handleApplyProtective(c *gin.Context) {
	intent, ok := bindProtective(c)
	if !ok {
		return
	}
	ctx, log := protectiveLogger(c, intent)
	ref, err := s.engine.ApplyProtectiveOrder(ctx, intent)
	if err != nil {
		log.Warn().Err(err).Msg("Apply protective order failed")
		respondError(c, err)
		return
	}
	// A removal leaves no order behind.
	if ref.OrderID == "" {
		successResponse(c, gin.H{"removed": true})
		return
	}
	successResponse(c, ref)
}

func (s *Server) handleRemoveProtective(c *gin.Context) {
	intent, ok := bindProtective(c)
	if !ok {
		return
	}
	ctx, log := protectiveLogger(c, intent)
	if err := s.engine.RemoveProtectiveOrder(ctx, intent); err != nil {
		log.Warn().Err(err).Msg("Remove protective order failed")
		respondError(c, err)
		return
	}
	successResponse(c, gin.H{"removed": true})
}

func (s *Server) handleListProtective(c *gin.Context) {
	symbol := strings.ToUpper(c.Query("symbol"))
	slots := s.engine.ProtectiveSlots()
	if symbol != "" {
		filtered := slots[:0]
		for _, slot := range slots {
			if slot.Symbol == symbol {
				filtered = append(filtered, slot)
			}
		}
		slots = filtered
	}
	if slots == nil {
		slots = []orders.SlotSnapshot{}
	}
	successResponse(c, slots)
}

func (s *Server) handleProtectiveHistory(c *gin.Context) {
	if s.history == nil {
		errorResponse(c, http.StatusServiceUnavailable, "unavailable", "modification history is not configured")
		return
	}
	side, err := trading.ParseSide(c.Query("side"))
	if err != nil {
		respondError(c, err)
		return
	}
	key := orders.SlotKey{
		Symbol: strings.ToUpper(c.Query("symbol")),
		Side:   side,
		Kind:   trading.ProtectiveKind(strings.ToUpper(c.DefaultQuery("kind", string(trading.KindStop)))),
	}
	if key.Symbol == "" || !key.Kind.Valid() {
		respondError(c, trading.InvalidInputf("symbol and a valid kind are required"))
		return
	}

	history, err := s.history.GetModificationHistory(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	successResponse(c, gin.H{
		"events":  history,
		"summary": orders.Summarize(history),
	})
}

// ==================== POSITIONS ====================

func (s *Server) handleClosePosition(c *gin.Context) {
	var intent orders.CloseIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_input", "Invalid request: "+err.Error())
		return
	}
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
	side, err := trading.ParseSide(string(intent.Side))
	if err != nil {
		respondError(c, err)
		return
	}
	intent.Side = side
	if intent.Style == "" {
		intent.Style = trading.StyleMarket
	}
	intent.Style = trading.OrderStyle(strings.ToUpper(string(intent.Style)))

	result, err := s.engine.ClosePosition(c.Request.Context(), intent)
	if err != nil {
		respondError(c, err)
		return
	}
	successResponse(c, result)
}

// ==================== STRATEGY SCANS ====================

func (s *Server) handleStartScan(c *gin.Context) {
	var strat scanner.Strategy
	if err := c.ShouldBindJSON(&strat); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_input", "Invalid request: "+err.Error())
		return
	}
	strat.Symbol = strings.ToUpper(strings.TrimSpace(strat.Symbol))

	handle, err := s.engine.StartStrategyScan(strat)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    gin.H{"handle": handle},
	})
}

func (s *Server) handleStopScan(c *gin.Context) {
	if err := s.engine.StopStrategyScan(c.Param("handle")); err != nil {
		respondError(c, err)
		return
	}
	successResponse(c, gin.H{"stopped": true})
}

func (s *Server) handleListScans(c *gin.Context) {
	scans := s.engine.ListStrategyScans()
	if scans == nil {
		scans = []scanner.SubscriptionInfo{}
	}
	successResponse(c, scans)
}

func (s *Server) handleLatestEvaluation(c *gin.Context) {
	eval, ok, err := s.engine.LatestEvaluation(c.Param("handle"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		// Scan exists but has not completed a tick yet.
		c.JSON(http.StatusAccepted, gin.H{"success": true, "data": nil, "pending": true})
		return
	}
	successResponse(c, eval)
}

type executeRequest struct {
	Direction string `json:"direction" binding:"required"`
	Style     string `json:"style"`
}

func (s *Server) handleExecuteSignal(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_input", "Invalid request: "+err.Error())
		return
	}
	direction, err := trading.ParseSide(req.Direction)
	if err != nil {
		respondError(c, err)
		return
	}
	style := trading.OrderStyle(strings.ToUpper(req.Style))

	handle := c.Param("handle")
	log := logging.SignalContext(logging.FromContext(c.Request.Context()), handle, "", "")
	ctx := logging.NewContext(c.Request.Context(), log)
	result, err := s.engine.ExecuteSignal(ctx, handle, direction, style)
	if err != nil {
		respondError(c, err)
		return
	}

	data := gin.H{
		"execution": result.Execution,
		"stop":      result.Stop,
		"protected": result.Protected(),
	}
	if result.ProtectionErr != nil {
		log.Error().Err(result.ProtectionErr).Msg("Entry filled without a stop")
		data["protection_error"] = result.ProtectionErr.Error()
	}
	successResponse(c, data)
}
