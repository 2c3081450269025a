// Package handler is the thin HTTP surface spec.md §6 names: workflow
// create/read, standalone approval create, and the signed callback
// endpoint. Grounded on the teacher's internal/api/handler/handler.go
// (gin.Context binding + service delegation + JSON response), widened
// from the teacher's single SubmitWorkflow route to the kernel's full
// §6 surface.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"workflowkernel/internal/api/dto"
	"workflowkernel/internal/approval"
	"workflowkernel/internal/core/ports"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/service"
)

// WorkflowHandler serves workflow create/read.
type WorkflowHandler struct {
	service *service.WorkflowService
}

func NewWorkflowHandler(svc *service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{service: svc}
}

func (h *WorkflowHandler) Create(c *gin.Context) {
	var req dto.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	if key := c.GetHeader("Idempotency-Key"); key != "" && req.IdempotencyKey == nil {
		req.IdempotencyKey = &key
	}

	var wf *domain.Workflow
	var err error
	if req.IsMultiStep() {
		wf, err = h.service.CreateMultiStep(c.Request.Context(), req.ToMultiStepInput())
	} else {
		wf, err = h.service.CreateSingleStep(c.Request.Context(), req.ToSingleStepInput())
	}
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewWorkflowResponse(wf))
}

func (h *WorkflowHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid workflow id"})
		return
	}

	wf, err := h.service.GetWorkflow(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewWorkflowResponse(wf))
}

// ApprovalHandler serves the standalone approval create/read routes
// plus the signed callback endpoint.
type ApprovalHandler struct {
	approvals *approval.Service
	gateway   ports.Gateway
}

func NewApprovalHandler(approvals *approval.Service, gateway ports.Gateway) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals, gateway: gateway}
}

func (h *ApprovalHandler) Create(c *gin.Context) {
	var req dto.CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	a, err := h.approvals.Request(c.Request.Context(), req.WorkflowID, nil, req.UISchema, req.TimeoutSeconds)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.ApprovalResponse{
		ID:            a.ID,
		CallbackToken: a.CallbackToken,
		ExpiresAt:     a.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *ApprovalHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid approval id"})
		return
	}

	a, err := h.gateway.ReadOnly(c.Request.Context()).Approvals().GetByID(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	resp := dto.ApprovalReadResponse{
		ID:          a.ID,
		WorkflowID:  a.WorkflowID,
		StepID:      a.StepID,
		Status:      a.Status,
		RequestedAt: a.RequestedAt.Format(time.RFC3339),
		ExpiresAt:   a.ExpiresAt.Format(time.RFC3339),
		Decision:    a.Decision,
	}
	if a.RespondedAt != nil {
		respondedAt := a.RespondedAt.Format(time.RFC3339)
		resp.RespondedAt = &respondedAt
	}
	c.JSON(http.StatusOK, resp)
}

// Callback serves POST /callbacks/:token, spec.md §6's exact status
// mapping: 200 accepted, 401 token invalid, 409 already decided,
// 410 expired, 422 bad decision value.
func (h *ApprovalHandler) Callback(c *gin.Context) {
	token := c.Param("token")

	var req dto.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	a, err := h.approvals.Submit(c.Request.Context(), token, req.Decision, req.ResponseData)
	if err != nil {
		writeCallbackError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ApprovalReadResponse{
		ID:         a.ID,
		WorkflowID: a.WorkflowID,
		StepID:     a.StepID,
		Status:     a.Status,
		Decision:   a.Decision,
	})
}

func writeCallbackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrTokenInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrApprovalExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrWorkflowNotFound), errors.Is(err, domain.ErrApprovalNotFound), errors.Is(err, domain.ErrStepNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRollbackNotAllowed), errors.Is(err, domain.ErrIdempotencyKeyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
