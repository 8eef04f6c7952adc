// Package directoryhttp exposes the org-tree provisioning API.
package directoryhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-erp/accessgate/internal/directory"
	"github.com/atlas-erp/accessgate/internal/gateway"
	"github.com/atlas-erp/accessgate/internal/platform/httpx"
	"github.com/atlas-erp/accessgate/internal/policy"
)

// Actions this handler authorizes through the gateway.
const (
	actionManage = "directory.manage_access"
	actionView   = "directory.view"
)

// Authorizer is the slice of the gateway the handler depends on.
type Authorizer interface {
	Authorize(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// Handler wires provisioning endpoints for companies, branches and
// principals.
type Handler struct {
	logger   *slog.Logger
	service  *directory.Service
	authz    Authorizer
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *directory.Service, authz Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, authz: authz, validate: validator.New()}
}

// MountRoutes registers directory routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/companies", h.createCompany)
	r.Post("/companies/{companyID}/branches", h.createBranch)
	r.Get("/companies/{companyID}/branches", h.listBranches)
	r.Post("/principals", h.createPrincipal)
	r.Get("/principals/{principalID}", h.getPrincipal)
	r.Post("/principals/{principalID}/memberships", h.addMembership)
}

// guard authorizes the acting principal for the action at the scope. Every
// attempt, granted or not, lands in the audit trail via the gateway.
func (h *Handler) guard(w http.ResponseWriter, r *http.Request, action string, scope directory.Scope) bool {
	actor, ok := gateway.ActorID(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "missing or invalid "+gateway.ActorHeader+" header")
		return false
	}
	result, err := h.authz.Authorize(r.Context(), gateway.Request{
		PrincipalID: actor,
		Action:      action,
		Scope:       scope,
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
			h.logger.Error("directory guard", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return false
	}
	if !result.Granted {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", result.Reason)
		return false
	}
	return true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, directory.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	if errors.Is(err, directory.ErrDuplicate) {
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
		return
	}
	h.logger.Error("directory service", slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

type createCompanyRequest struct {
	Name string `json:"name" validate:"required,max=255"`
	Code string `json:"code" validate:"required,max=32"`
}

func (h *Handler) createCompany(w http.ResponseWriter, r *http.Request) {
	var req createCompanyRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	// A new company has no scope of its own yet; creation is authorized
	// against the actor's home company.
	actor, ok := gateway.ActorID(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "missing or invalid "+gateway.ActorHeader+" header")
		return
	}
	principal, err := h.service.GetPrincipal(r.Context(), actor)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if !h.guard(w, r, actionManage, directory.Scope{CompanyID: principal.HomeCompanyID}) {
		return
	}
	company, err := h.service.CreateCompany(r.Context(), req.Name, req.Code)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, company)
}

type createBranchRequest struct {
	Name string `json:"name" validate:"required,max=255"`
	Code string `json:"code" validate:"max=32"`
}

func (h *Handler) createBranch(w http.ResponseWriter, r *http.Request) {
	companyID, ok := pathID(w, r, "companyID")
	if !ok {
		return
	}
	var req createBranchRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	if !h.guard(w, r, actionManage, directory.Scope{CompanyID: companyID}) {
		return
	}
	branch, err := h.service.CreateBranch(r.Context(), companyID, req.Name, req.Code)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, branch)
}

func (h *Handler) listBranches(w http.ResponseWriter, r *http.Request) {
	companyID, ok := pathID(w, r, "companyID")
	if !ok {
		return
	}
	if !h.guard(w, r, actionView, directory.Scope{CompanyID: companyID}) {
		return
	}
	branches, err := h.service.ListBranches(r.Context(), companyID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, branches)
}

type createPrincipalRequest struct {
	Email         string `json:"email" validate:"required,email"`
	DisplayName   string `json:"display_name" validate:"max=255"`
	HomeCompanyID int64  `json:"home_company_id" validate:"required,gt=0"`
}

func (h *Handler) createPrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	if !h.guard(w, r, actionManage, directory.Scope{CompanyID: req.HomeCompanyID}) {
		return
	}
	principal, err := h.service.CreatePrincipal(r.Context(), req.Email, req.DisplayName, req.HomeCompanyID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, principal)
}

func (h *Handler) getPrincipal(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathID(w, r, "principalID")
	if !ok {
		return
	}
	principal, err := h.service.GetPrincipal(r.Context(), principalID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if !h.guard(w, r, actionView, directory.Scope{CompanyID: principal.HomeCompanyID}) {
		return
	}
	httpx.JSON(w, http.StatusOK, principal)
}

type addMembershipRequest struct {
	CompanyID int64 `json:"company_id" validate:"required,gt=0"`
}

func (h *Handler) addMembership(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathID(w, r, "principalID")
	if !ok {
		return
	}
	var req addMembershipRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	if !h.guard(w, r, actionManage, directory.Scope{CompanyID: req.CompanyID}) {
		return
	}
	if err := h.service.AddMembership(r.Context(), principalID, req.CompanyID); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+name)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, validate *validator.Validate, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return err
	}
	if err := validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return err
	}
	return nil
}
