package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/backends"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/ingress"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/rejection"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerStatus    = "X-Status"
	headerRequestID = "X-Request-Id"
	requestIDKey    = "watchstate_request_id"
)

var (
	errMissingResolver = errors.New("ingress resolver dependency required")
	errMissingEngine   = errors.New("reconcile engine dependency required")
)

type IngressResolver interface {
	Resolve(request *http.Request) (ingress.Match, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, change state.Change) (reconcile.Result, error)
}

type Dependencies struct {
	Resolver IngressResolver
	Engine   Reconciler
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())

	handler := &httpHandler{
		resolver: deps.Resolver,
		engine:   deps.Engine,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	webhooks := router.Group("/")
	webhooks.Use(preprocessRequest)
	webhooks.POST("/webhook", handler.handleWebhook)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", ingress.HeaderAPIKey},
		ExposeHeaders: []string{headerStatus, headerRequestID},
		MaxAge:        12 * time.Hour,
	})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(headerRequestID, requestID)
		c.Next()
	}
}

// preprocessRequest lets the sending product expose the user and server ids that
// ingress constraints are matched against.
func preprocessRequest(c *gin.Context) {
	attrs := backends.ProcessRequest(c.Request)
	c.Request = c.Request.WithContext(backends.WithRequestAttributes(c.Request.Context(), attrs))
	c.Next()
}

type httpHandler struct {
	resolver IngressResolver
	engine   Reconciler
	logger   *zap.Logger
}

type errorResponsePayload struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	match, err := h.resolver.Resolve(c.Request)
	if err != nil {
		h.writeRejection(c, "", err)
		return
	}

	change, err := match.Adapter.ParseWebhook(c.Request)
	if err != nil {
		h.writeRejection(c, match.Backend.Name, err)
		return
	}

	result, err := h.engine.Reconcile(c.Request.Context(), change)
	if err != nil {
		h.logger.Error("webhook reconciliation failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("backend", match.Backend.Name),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponsePayload{Error: true, Message: "Failed to reconcile entity."})
		return
	}

	metrics.RecordOutcome(match.Backend.Name, result.Outcome.String())
	c.Header(headerStatus, result.Outcome.Message())
	switch {
	case result.Outcome == reconcile.OutcomeNoGuids:
		c.Status(http.StatusNoContent)
	case result.Outcome.Persisted():
		h.logger.Info("webhook applied",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("backend", match.Backend.Name),
			zap.String("outcome", result.Outcome.String()),
			zap.Int64("id", result.Entity.ID),
			zap.Bool("enqueued", result.Enqueued))
		c.JSON(http.StatusOK, result.Entity.Fields())
	default:
		c.Status(http.StatusOK)
	}
}

// writeRejection answers a classified rejection. Soft skips are expected traffic and
// stay at debug level.
func (h *httpHandler) writeRejection(c *gin.Context, backend string, err error) {
	requestID := c.GetString(requestIDKey)
	rejected, ok := rejection.As(err)
	if !ok {
		h.logger.Error("webhook rejected with unclassified error",
			zap.String("request_id", requestID),
			zap.String("backend", backend),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponsePayload{Error: true, Message: "Internal server error."})
		return
	}

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("backend", backend),
		zap.String("class", string(rejected.Class())),
		zap.String("reason", rejected.Reason()),
		zap.Error(err),
	}
	metrics.RecordRejection(string(rejected.Class()), rejected.Reason())
	switch rejected.Class() {
	case rejection.ClassSoftSkip:
		h.logger.Debug("webhook skipped", fields...)
		c.Header(headerStatus, rejected.Message())
		c.Status(rejected.Status())
		return
	case rejection.ClassMisconfiguration:
		h.logger.Error("webhook rejected", fields...)
	default:
		h.logger.Warn("webhook rejected", fields...)
	}
	c.JSON(rejected.Status(), errorResponsePayload{Error: true, Message: rejected.Message()})
}
