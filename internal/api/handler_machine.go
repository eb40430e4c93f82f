package api

import (
	"errors"
	"net/http"

	"machines/internal/controlplane"
	"machines/internal/session"

	"github.com/gin-gonic/gin"
)

type MachineHandler struct {
	manager *session.Manager
	query   *session.QueryService
}

func NewMachineHandler(manager *session.Manager, query *session.QueryService) *MachineHandler {
	return &MachineHandler{manager: manager, query: query}
}

// RequestMachine POST /api/v1/machines
// Always yields a durable record; a provisioning failure comes back as 502
// with the failed session attached so the caller can show the reason.
func (h *MachineHandler) RequestMachine(c *gin.Context) {
	var req RequestMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	sess, err := h.manager.RequestMachine(c.Request.Context(), req.UserID, req.MachineTypeID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	if sess.Status == session.StatusFailed {
		c.JSON(http.StatusBadGateway, toSessionResponse(sess))
		return
	}

	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// ListMachines GET /api/v1/machines?user_id=
func (h *MachineHandler) ListMachines(c *gin.Context) {
	ownerID := c.Query("user_id")
	if ownerID == "" {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "user_id query parameter required")
		return
	}

	sessions, err := h.query.ListActive(c.Request.Context(), ownerID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, SessionListResponse{Sessions: resp})
}

// GetMachine GET /api/v1/machines/:id
func (h *MachineHandler) GetMachine(c *gin.Context) {
	id := c.Param("id")

	sess, err := h.query.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// TerminateMachine DELETE /api/v1/machines/:id
// Synchronous: the response reports what was actually persisted.
func (h *MachineHandler) TerminateMachine(c *gin.Context) {
	id := c.Param("id")

	if err := h.manager.Terminate(c.Request.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			respondError(c, http.StatusNotFound, err)
			return
		}
		c.JSON(http.StatusInternalServerError, TerminateResponse{Success: false, SessionID: id})
		return
	}

	c.JSON(http.StatusOK, TerminateResponse{Success: true, SessionID: id})
}

// ExecuteCommand POST /api/v1/machines/:id/command
// Remote failure is a 200 with success=false, matching the control-plane
// contract.
func (h *MachineHandler) ExecuteCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	sess, err := h.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}

	res, err := h.manager.ExecuteCommand(c.Request.Context(), sess.ExternalID, req.Command)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	c.JSON(http.StatusOK, CommandResponse{Success: res.Success, Output: res.Output})
}

// FetchVPNProfile GET /api/v1/machines/:id/vpn
func (h *MachineHandler) FetchVPNProfile(c *gin.Context) {
	sess, err := h.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}

	profile, err := h.manager.FetchVPNProfile(c.Request.Context(), sess.ExternalID)
	if err != nil {
		if errors.Is(err, controlplane.ErrVPNUnavailable) {
			respondError(c, http.StatusNotFound, err)
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, VPNProfileResponse{Config: profile})
}

// ListHistory GET /api/v1/machines/history?user_id=
func (h *MachineHandler) ListHistory(c *gin.Context) {
	ownerID := c.Query("user_id")
	if ownerID == "" {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "user_id query parameter required")
		return
	}

	entries, err := h.query.History(c.Request.Context(), ownerID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	resp := make([]HistoryEntryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, toHistoryResponse(entry))
	}
	c.JSON(http.StatusOK, HistoryListResponse{History: resp})
}
