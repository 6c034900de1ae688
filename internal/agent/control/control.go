// Package control is the agent's loopback HTTP surface. Whatever fronts the
// device (a USSD menu renderer, a kiosk UI) records intents and inspects the
// queue here; nothing on this surface talks to the network itself.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/tontine/internal/agent/domain"
	"github.com/smallbiznis/tontine/internal/config"
)

var Module = fx.Module("agent.control",
	fx.Provide(NewHandler),
	fx.Provide(NewEngine),
	fx.Invoke(run),
)

type Handler struct {
	log *zap.Logger
	svc domain.Service
}

func NewHandler(log *zap.Logger, svc domain.Service) *Handler {
	return &Handler{log: log.Named("agent.control"), svc: svc}
}

func NewEngine(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	v1.POST("/actions", h.EnqueueAction)
	v1.GET("/actions/:id", h.GetAction)
	v1.POST("/actions/:id/retry", h.RetryAction)
	v1.DELETE("/actions/:id", h.CancelAction)
	v1.GET("/status", h.Status)

	return r
}

func (h *Handler) EnqueueAction(c *gin.Context) {
	var req domain.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	action, err := h.svc.Enqueue(c.Request.Context(), req)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"action": action})
}

func (h *Handler) GetAction(c *gin.Context) {
	action, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action})
}

func (h *Handler) RetryAction(c *gin.Context) {
	var req domain.RetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
	}

	action, err := h.svc.Retry(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action})
}

func (h *Handler) CancelAction(c *gin.Context) {
	if err := h.svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Status(c *gin.Context) {
	report, err := h.svc.Status(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeServiceError keeps the loopback envelope shaped like the platform's
// so a frontend can share one error decoder.
func (h *Handler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrActionNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrActionNotRetryable), errors.Is(err, domain.ErrActionNotCancelable):
		writeError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidAction), errors.Is(err, domain.ErrMissingSessionToken):
		writeError(c, http.StatusBadRequest, "validation_error", err.Error())
	default:
		h.log.Error("control request failed", zap.String("path", c.FullPath()), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"type": errType, "message": message},
	})
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.AgentListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
