package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/models"
	pkghttp "github.com/mklatt/bastion/pkg/http"
)

// PrincipalAdmin is the administrative surface for managing principals.
// Permission changes propagate instantly: every live session of the affected
// principal is forced to re-authenticate.
type PrincipalAdmin interface {
	Create(ctx context.Context, email, name, password, userType, language string) (*models.Principal, error)
	UpdatePermissions(ctx context.Context, id string, permissions []string, actorID, ip string) error
	Deactivate(ctx context.Context, id, actorID, ip string) error
	Anonymize(ctx context.Context, id, actorID string) error
}

// PrincipalHandler exposes principal management, guarded by the privileged
// permission namespace at the routing layer.
type PrincipalHandler struct {
	admin    PrincipalAdmin
	ipConfig *pkghttp.IPConfig
}

// NewPrincipalHandler creates a new PrincipalHandler
func NewPrincipalHandler(admin PrincipalAdmin, ipConfig *pkghttp.IPConfig) *PrincipalHandler {
	return &PrincipalHandler{admin: admin, ipConfig: ipConfig}
}

// CreatePrincipalRequest provisions a new administrative account
type CreatePrincipalRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=1,max=200"`
	Password string `json:"password" validate:"required"`
	UserType string `json:"user_type" validate:"required,oneof=system"`
	Language string `json:"language" validate:"omitempty,len=2"`
}

// UpdatePermissionsRequest replaces the principal's permission set
type UpdatePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,dive,min=1,max=128"`
}

// PrincipalResponse is a principal as returned to administrators. Credential
// material never appears here.
type PrincipalResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	UserType   string    `json:"user_type"`
	Language   string    `json:"language"`
	Active     bool      `json:"active"`
	MFAEnabled bool      `json:"mfa_enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

func principalResponse(p *models.Principal) PrincipalResponse {
	return PrincipalResponse{
		ID:         p.ID,
		Email:      p.Email,
		Name:       p.Name,
		UserType:   p.UserType,
		Language:   p.Language,
		Active:     p.Active,
		MFAEnabled: p.MFAEnabled,
		CreatedAt:  p.CreatedAt,
	}
}

// Create handles POST /principals
func (h *PrincipalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	p, err := h.admin.Create(r.Context(), req.Email, req.Name, req.Password, req.UserType, req.Language)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "A principal with this email already exists")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "Invalid principal data")
		default:
			// Password policy violations surface with their message; they
			// carry no secrets.
			var authErr *models.AuthError
			if errors.As(err, &authErr) {
				writeAuthError(w, err)
				return
			}
			pkghttp.WriteBadRequest(w, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, principalResponse(p))
}

// UpdatePermissions handles PUT /principals/{id}/permissions. Every live
// session of the principal is invalidated before this returns.
func (h *PrincipalHandler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		pkghttp.WriteBadRequest(w, "Missing principal id")
		return
	}

	var req UpdatePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ip := pkghttp.ExtractClientIP(r, h.ipConfig)
	if err := h.admin.UpdatePermissions(r.Context(), id, req.Permissions, claims.PrincipalID, ip); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Principal not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deactivate handles POST /principals/{id}/deactivate. Devices are revoked
// and live sessions die immediately.
func (h *PrincipalHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		pkghttp.WriteBadRequest(w, "Missing principal id")
		return
	}

	ip := pkghttp.ExtractClientIP(r, h.ipConfig)
	if err := h.admin.Deactivate(r.Context(), id, claims.PrincipalID, ip); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Principal not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Anonymize handles POST /principals/{id}/anonymize. Principals are never
// deleted; identifying fields are blanked and the account stays on record.
func (h *PrincipalHandler) Anonymize(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		pkghttp.WriteBadRequest(w, "Missing principal id")
		return
	}

	if err := h.admin.Anonymize(r.Context(), id, claims.PrincipalID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Principal not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
