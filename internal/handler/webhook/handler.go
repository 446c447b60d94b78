package webhook

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/obligohq/notifier/internal/handler"
	"github.com/obligohq/notifier/internal/model"
	"github.com/obligohq/notifier/internal/repository"
	webhookService "github.com/obligohq/notifier/internal/service/webhook"
	apperrors "github.com/obligohq/notifier/pkg/errors"
)

type Handler struct {
	service webhookService.Servicer
}

func NewHandler(service webhookService.Servicer) *Handler {
	return &Handler{service: service}
}

// EventTypeValidator rejects event names outside the platform's enum at
// binding time.
func EventTypeValidator(fl validator.FieldLevel) bool {
	return model.IsValidEventType(fl.Field().String())
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("", h.Register)
		webhooks.GET("", h.List)
		webhooks.GET("/:id", h.Get)
		webhooks.PUT("/:id", h.Update)
		webhooks.DELETE("/:id", h.Delete)
		webhooks.POST("/:id/test", h.SendTest)
		webhooks.GET("/:id/attempts", h.ListAttempts)
	}
	r.POST("/events/trigger", h.Trigger)
}

type registerRequest struct {
	CompanyID string            `json:"company_id" binding:"required,uuid"`
	URL       string            `json:"url" binding:"required,url"`
	Events    []string          `json:"events" binding:"required,min=1,dive,eventtype"`
	Secret    string            `json:"secret"`
	Headers   map[string]string `json:"headers"`
}

// registeredProjection is the one response that carries the secret; every
// other projection omits it.
type registeredProjection struct {
	*model.WebhookSubscription
	Secret string `json:"secret"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid company ID"))
		return
	}

	sub, err := h.service.Register(c.Request.Context(), companyID, req.URL, req.Events, req.Secret, req.Headers)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(registeredProjection{
		WebhookSubscription: sub,
		Secret:              sub.Secret,
	}))
}

func (h *Handler) List(c *gin.Context) {
	companyID, err := uuid.Parse(c.Query("company_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid company ID"))
		return
	}

	subs, err := h.service.List(c.Request.Context(), companyID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(subs))
}

func (h *Handler) Get(c *gin.Context) {
	id, companyID, ok := h.parseIDs(c)
	if !ok {
		return
	}

	sub, err := h.service.Get(c.Request.Context(), id, companyID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(sub))
}

type updateRequest struct {
	CompanyID  string            `json:"company_id" binding:"required,uuid"`
	URL        *string           `json:"url" binding:"omitempty,url"`
	Events     []string          `json:"events" binding:"omitempty,min=1,dive,eventtype"`
	Headers    map[string]string `json:"headers"`
	Active     *bool             `json:"active"`
	MaxRetries *int              `json:"max_retries" binding:"omitempty,min=1,max=10"`
	TimeoutMs  *int              `json:"timeout_ms" binding:"omitempty,min=1000,max=120000"`
}

func (h *Handler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid webhook ID"))
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid company ID"))
		return
	}

	sub, err := h.service.Update(c.Request.Context(), id, companyID, &model.WebhookSubscriptionUpdate{
		URL:        req.URL,
		Events:     req.Events,
		Headers:    req.Headers,
		Active:     req.Active,
		MaxRetries: req.MaxRetries,
		TimeoutMs:  req.TimeoutMs,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(sub))
}

func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid webhook ID"))
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) SendTest(c *gin.Context) {
	id, companyID, ok := h.parseIDs(c)
	if !ok {
		return
	}

	outcome, err := h.service.SendTest(c.Request.Context(), id, companyID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(outcome))
}

func (h *Handler) ListAttempts(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid webhook ID"))
		return
	}

	attempts, err := h.service.ListAttempts(c.Request.Context(), id, 50)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(attempts))
}

type triggerRequest struct {
	EventType string          `json:"event_type" binding:"required,eventtype"`
	CompanyID string          `json:"company_id" binding:"required,uuid"`
	Data      json.RawMessage `json:"data" binding:"required"`
}

func (h *Handler) Trigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid company ID"))
		return
	}

	result, err := h.service.Trigger(c.Request.Context(), model.EventType(req.EventType), companyID, req.Data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(result))
}

func (h *Handler) parseIDs(c *gin.Context) (id, companyID uuid.UUID, ok bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid webhook ID"))
		return uuid.Nil, uuid.Nil, false
	}
	companyID, err = uuid.Parse(c.Query("company_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid company ID"))
		return uuid.Nil, uuid.Nil, false
	}
	return id, companyID, true
}

func respondError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, handler.NewErrorResponse("webhook not found"))
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.ErrNotFound:
			c.JSON(http.StatusNotFound, handler.NewErrorResponse(appErr.Message))
		case apperrors.ErrBadRequest:
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse(appErr.Message))
		case apperrors.ErrConflict:
			c.JSON(http.StatusConflict, handler.NewErrorResponse(appErr.Message))
		default:
			c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(appErr.Message))
		}
		return
	}

	c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
}
