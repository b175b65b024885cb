// Package http exposes the local control surface: entitlement status,
// invite-code activation and tier upgrades over chi.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "tiergate/internal/errors"
	"tiergate/internal/infrastructure"
	"tiergate/internal/services"
)

var validate = validator.New()

// EntitlementHandler handles entitlement HTTP requests.
type EntitlementHandler struct {
	service services.EntitlementService
	logger  *slog.Logger
}

// NewEntitlementHandler creates a new entitlement handler
func NewEntitlementHandler(service services.EntitlementService, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "entitlement")),
	}
}

// ActivationRequest is the invite-code activation payload.
type ActivationRequest struct {
	Code string `json:"code" validate:"required,min=8"`
}

// Bind implements the render.Binder interface
func (a *ActivationRequest) Bind(r *http.Request) error {
	if err := validate.Struct(a); err != nil {
		return errors.New("code is required and must be at least 8 characters")
	}
	return nil
}

// UpgradeRequest is the tier upgrade payload.
type UpgradeRequest struct {
	TargetTier string `json:"target_tier" validate:"required,oneof=basic plus"`
}

// Bind implements the render.Binder interface
func (u *UpgradeRequest) Bind(r *http.Request) error {
	if err := validate.Struct(u); err != nil {
		return errors.New("target_tier is required and must be basic or plus")
	}
	return nil
}

// ActivationResponse wraps the post-activation status.
type ActivationResponse struct {
	Success   bool                     `json:"success"`
	Message   string                   `json:"message"`
	Status    *services.StatusResponse `json:"status,omitempty"`
	TraceID   string                   `json:"trace_id"`
	Timestamp time.Time                `json:"timestamp"`
}

// Routes returns a chi router for entitlement endpoints
func (h *EntitlementHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	r.Post("/upgrade", h.Upgrade)

	return r
}

// GetStatus handles GET /api/entitlement/status
func (h *EntitlementHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("entitlement-handler")

	ctx, span := tracer.Start(ctx, "entitlement_handler.get_status",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/entitlement/status"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	status, err := h.service.Status(ctx)
	if err != nil {
		h.renderError(ctx, w, r, err, reqID)
		return
	}

	render.JSON(w, r, status)
}

// Activate handles POST /api/entitlement/activate
func (h *EntitlementHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("entitlement-handler")

	ctx, span := tracer.Start(ctx, "entitlement_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/entitlement/activate"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req ActivationRequest
	if err := render.Bind(r, &req); err != nil {
		h.logger.WarnContext(ctx, "activation request rejected",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			r.URL.Path,
		))
		return
	}

	status, err := h.service.Activate(ctx, req.Code)
	if err != nil {
		h.renderError(ctx, w, r, err, reqID)
		return
	}

	h.logger.InfoContext(ctx, "activation request succeeded",
		slog.String("request_id", reqID),
		slog.String("tier", status.Tier),
	)
	infrastructure.AddSpanEvent(ctx, "entitlement.activated", map[string]interface{}{
		"tier":      status.Tier,
		"client_id": status.ClientID,
	})

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &ActivationResponse{
		Success:   true,
		Message:   "Invite code activated",
		Status:    status,
		TraceID:   infrastructure.TraceIDFromContext(ctx),
		Timestamp: time.Now(),
	})
}

// Upgrade handles POST /api/entitlement/upgrade
func (h *EntitlementHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("entitlement-handler")

	ctx, span := tracer.Start(ctx, "entitlement_handler.upgrade",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/entitlement/upgrade"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req UpgradeRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			r.URL.Path,
		))
		return
	}

	status, err := h.service.Upgrade(ctx, req.TargetTier)
	if err != nil {
		h.renderError(ctx, w, r, err, reqID)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &ActivationResponse{
		Success:   true,
		Message:   "Entitlement upgraded",
		Status:    status,
		TraceID:   infrastructure.TraceIDFromContext(ctx),
		Timestamp: time.Now(),
	})
}

func (h *EntitlementHandler) renderError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error, reqID string) {
	infrastructure.RecordError(ctx, err)
	h.logger.WarnContext(ctx, "entitlement request failed",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
		slog.String("error_code", apperrors.CodeForError(err)),
	)
	render.Render(w, r, apperrors.MapEntitlementError(err, reqID))
}
