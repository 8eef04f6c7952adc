// Package policyhttp exposes role, permission and grant administration.
package policyhttp

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
	actionManage = "policy.manage_access"
	actionView   = "policy.view"
)

// Authorizer is the slice of the gateway the handler depends on.
type Authorizer interface {
	Authorize(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// Handler wires policy administration endpoints.
type Handler struct {
	logger   *slog.Logger
	store    *policy.Store
	dir      *directory.Service
	authz    Authorizer
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, store *policy.Store, dir *directory.Service, authz Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, store: store, dir: dir, authz: authz, validate: validator.New()}
}

// MountRoutes registers policy routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/roles", h.createRole)
	r.Get("/companies/{companyID}/roles", h.listRoles)
	r.Put("/roles/{roleID}/permissions", h.setRolePermissions)
	r.Post("/permissions", h.ensurePermission)
	r.Post("/grants", h.grant)
	r.Post("/grants/revoke", h.revoke)
	r.Get("/principals/{principalID}/grants", h.listGrants)
}

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
			h.logger.Error("policy guard", slog.Any("error", err))
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

// guardScope resolves the scope an action on companyID should be authorized
// against; zero (system-wide) falls back to the actor's home company.
func (h *Handler) guardScope(r *http.Request, companyID int64) (directory.Scope, error) {
	if companyID != 0 {
		return directory.Scope{CompanyID: companyID}, nil
	}
	actor, ok := gateway.ActorID(r)
	if !ok {
		return directory.Scope{}, errors.New("missing actor")
	}
	principal, err := h.dir.GetPrincipal(r.Context(), actor)
	if err != nil {
		return directory.Scope{}, err
	}
	return directory.Scope{CompanyID: principal.HomeCompanyID}, nil
}

func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound), errors.Is(err, directory.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, policy.ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, policy.ErrScopeMismatch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Scope Mismatch", err.Error())
	default:
		h.logger.Error("policy store", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

type createRoleRequest struct {
	CompanyID   int64  `json:"company_id" validate:"gte=0"`
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=1024"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	scope, err := h.guardScope(r, req.CompanyID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if !h.guard(w, r, actionManage, scope) {
		return
	}
	role, err := h.store.CreateRole(r.Context(), req.CompanyID, req.Name, req.Description)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	companyID, ok := pathID(w, r, "companyID")
	if !ok {
		return
	}
	if !h.guard(w, r, actionView, directory.Scope{CompanyID: companyID}) {
		return
	}
	roles, err := h.store.ListRoles(r.Context(), companyID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

type ensurePermissionRequest struct {
	Module string `json:"module" validate:"required,max=64,alphanum"`
	Action string `json:"action" validate:"required,max=64"`
	Effect string `json:"effect" validate:"required,oneof=allow deny"`
}

func (h *Handler) ensurePermission(w http.ResponseWriter, r *http.Request) {
	var req ensurePermissionRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	scope, err := h.guardScope(r, 0)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if !h.guard(w, r, actionManage, scope) {
		return
	}
	perm, err := h.store.EnsurePermission(r.Context(), req.Module, req.Action, policy.Effect(req.Effect))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

type setRolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required,dive,gt=0"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req setRolePermissionsRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	scope, err := h.roleScope(r, roleID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if !h.guard(w, r, actionManage, scope) {
		return
	}
	if err := h.store.SetRolePermissions(r.Context(), roleID, req.PermissionIDs); err != nil {
		h.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantRequest struct {
	PrincipalID int64 `json:"principal_id" validate:"required,gt=0"`
	RoleID      int64 `json:"role_id" validate:"required,gt=0"`
	Scope       struct {
		CompanyID int64 `json:"company_id" validate:"required,gt=0"`
		BranchID  int64 `json:"branch_id" validate:"gte=0"`
	} `json:"scope" validate:"required"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	scope := directory.Scope{CompanyID: req.Scope.CompanyID, BranchID: req.Scope.BranchID}
	if !h.guard(w, r, actionManage, scope) {
		return
	}
	if err := h.store.Grant(r.Context(), req.PrincipalID, req.RoleID, scope); err != nil {
		h.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		return
	}
	scope := directory.Scope{CompanyID: req.Scope.CompanyID, BranchID: req.Scope.BranchID}
	if !h.guard(w, r, actionManage, scope) {
		return
	}
	if err := h.store.Revoke(r.Context(), req.PrincipalID, req.RoleID, scope); err != nil {
		h.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listGrants(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathID(w, r, "principalID")
	if !ok {
		return
	}
	principal, err := h.dir.GetPrincipal(r.Context(), principalID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if !h.guard(w, r, actionView, directory.Scope{CompanyID: principal.HomeCompanyID}) {
		return
	}
	grants, err := h.store.ListGrants(r.Context(), principalID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grants)
}

// roleScope maps a role to the scope its administration is checked against:
// the role's company, or the actor's home company for system roles.
func (h *Handler) roleScope(r *http.Request, roleID int64) (directory.Scope, error) {
	role, err := h.store.GetRole(r.Context(), roleID)
	if err != nil {
		return directory.Scope{}, err
	}
	if !role.IsSystem() {
		return directory.Scope{CompanyID: role.CompanyID}, nil
	}
	return h.guardScope(r, 0)
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
