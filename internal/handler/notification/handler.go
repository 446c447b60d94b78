package notification

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/obligohq/notifier/internal/handler"
	dispatcherService "github.com/obligohq/notifier/internal/service/dispatcher"
	apperrors "github.com/obligohq/notifier/pkg/errors"
)

type Handler struct {
	dispatcher dispatcherService.Servicer
}

func NewHandler(dispatcher dispatcherService.Servicer) *Handler {
	return &Handler{dispatcher: dispatcher}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("/dispatch", h.DispatchBatch)
		notifications.POST("/:id/dispatch", h.DispatchOne)
		notifications.GET("/dead-letters", h.ListDeadLetters)
	}
}

type dispatchBatchRequest struct {
	BatchSize int `json:"batch_size" binding:"omitempty,min=1,max=500"`
}

func (h *Handler) DispatchBatch(c *gin.Context) {
	var req dispatchBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	result, err := h.dispatcher.RunBatch(c.Request.Context(), req.BatchSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(result))
}

func (h *Handler) DispatchOne(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid notification ID"))
		return
	}

	if err := h.dispatcher.RunOne(c.Request.Context(), id); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			switch appErr.Code {
			case apperrors.ErrNotFound:
				c.JSON(http.StatusNotFound, handler.NewErrorResponse(appErr.Message))
				return
			case apperrors.ErrConflict:
				c.JSON(http.StatusConflict, handler.NewErrorResponse(appErr.Message))
				return
			}
		}
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid limit"))
			return
		}
		limit = parsed
	}

	entries, err := h.dispatcher.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(entries))
}
