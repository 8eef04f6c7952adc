package gateway

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-erp/accessgate/internal/directory"
	"github.com/atlas-erp/accessgate/internal/platform/httpx"
	"github.com/atlas-erp/accessgate/internal/policy"
)

// ActorHeader identifies the acting principal on every request. Callers are
// trusted internal modules; authenticating them is outside this service.
const ActorHeader = "X-Principal-ID"

// ActorID extracts the acting principal id from the request headers.
func ActorID(r *http.Request) (int64, bool) {
	raw := r.Header.Get(ActorHeader)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ClientIP returns the caller address without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler wires the authorize endpoint.
type Handler struct {
	logger   *slog.Logger
	gateway  *Gateway
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, gw *Gateway) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, gateway: gw, validate: validator.New()}
}

// MountRoutes registers gateway routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authorize", h.authorize)
}

type scopeDTO struct {
	CompanyID int64 `json:"company_id" validate:"required,gt=0"`
	BranchID  int64 `json:"branch_id" validate:"gte=0"`
}

type authorizeRequest struct {
	PrincipalID   int64    `json:"principal_id" validate:"required,gt=0"`
	Action        string   `json:"action" validate:"required,contains=."`
	Scope         scopeDTO `json:"scope" validate:"required"`
	PayloadDigest string   `json:"payload_digest" validate:"omitempty,hexadecimal,len=64"`
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.gateway.Authorize(r.Context(), Request{
		PrincipalID:   req.PrincipalID,
		Action:        req.Action,
		Scope:         directory.Scope{CompanyID: req.Scope.CompanyID, BranchID: req.Scope.BranchID},
		PayloadDigest: req.PayloadDigest,
		IP:            ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown principal")
		case errors.Is(err, ErrInvalidRequest):
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		case errors.Is(err, ErrAuditUnavailable):
			httpx.Problem(w, http.StatusServiceUnavailable, "System Error", "audit trail unavailable")
		default:
			h.logger.Error("authorize", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	// Denials are ordinary results, not errors: the caller inspects granted.
	httpx.JSON(w, http.StatusOK, result)
}
