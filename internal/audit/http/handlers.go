// Package audithttp exposes the compliance query API over the audit trail.
package audithttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-erp/accessgate/internal/audit"
	"github.com/atlas-erp/accessgate/internal/directory"
	"github.com/atlas-erp/accessgate/internal/gateway"
	"github.com/atlas-erp/accessgate/internal/platform/httpx"
	"github.com/atlas-erp/accessgate/internal/policy"
)

const actionView = "audit.view"

// Authorizer is the slice of the gateway the handler depends on.
type Authorizer interface {
	Authorize(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// DirectoryPort resolves the actor's home company for unscoped queries.
type DirectoryPort interface {
	GetPrincipal(ctx context.Context, id int64) (directory.Principal, error)
}

// Handler wires compliance endpoints over the audit trail.
type Handler struct {
	logger  *slog.Logger
	service *audit.Service
	dir     DirectoryPort
	authz   Authorizer
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *audit.Service, dir DirectoryPort, authz Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, dir: dir, authz: authz}
}

// MountRoutes registers audit routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/audit", h.query)
	r.Get("/audit/export", h.export)
}

// parseFilter reads query params into a filter. A missing company filter
// defaults to the actor's home company so no query ever spans companies the
// caller was not authorized for.
func (h *Handler) parseFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	actor, ok := gateway.ActorID(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "missing or invalid "+gateway.ActorHeader+" header")
		return audit.Filter{}, false
	}
	var filter audit.Filter
	q := r.URL.Query()
	filter.PrincipalID, _ = strconv.ParseInt(q.Get("principal_id"), 10, 64)
	filter.CompanyID, _ = strconv.ParseInt(q.Get("company_id"), 10, 64)
	filter.AfterSeq, _ = strconv.ParseInt(q.Get("after_seq"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be RFC3339")
			return audit.Filter{}, false
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be RFC3339")
			return audit.Filter{}, false
		}
		filter.To = t
	}
	if filter.CompanyID == 0 {
		principal, err := h.dir.GetPrincipal(r.Context(), actor)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown acting principal")
			} else {
				h.logger.Error("audit filter principal", slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			}
			return audit.Filter{}, false
		}
		filter.CompanyID = principal.HomeCompanyID
	}

	result, err := h.authz.Authorize(r.Context(), gateway.Request{
		PrincipalID: actor,
		Action:      actionView,
		Scope:       directory.Scope{CompanyID: filter.CompanyID},
		IP:          gateway.ClientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown acting principal")
		case errors.Is(err, gateway.ErrAuditUnavailable):
			httpx.Problem(w, http.StatusServiceUnavailable, "System Error", "audit trail unavailable")
		default:
			h.logger.Error("audit guard", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return audit.Filter{}, false
	}
	if !result.Granted {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", result.Reason)
		return audit.Filter{}, false
	}
	return filter, true
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	records, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.JSON(w, http.StatusOK, records)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if err := h.service.ExportCSV(r.Context(), w, filter); err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
	}
}
