package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ifmis.org/internal/identity"
	"ifmis.org/internal/obs"
)

type registerRequest struct {
	Username     string             `json:"username"`
	Email        string             `json:"email"`
	Password     string             `json:"password"`
	GlobalUserID string             `json:"global_user_id"`
	Organization registerOrgRequest `json:"organization"`
	Roles        []string           `json:"roles"`
}

type registerOrgRequest struct {
	Name         string `json:"name"`
	DatabaseName string `json:"database_name"`
	Description  string `json:"description"`
	OrgURL       string `json:"org_url"`
}

type registerResponse struct {
	User         *identity.User         `json:"user"`
	Organization *identity.Organization `json:"organization"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, org, err := a.svc.RegisterAccount(r.Context(), identity.Registration{
		Username:                 req.Username,
		Email:                    req.Email,
		Password:                 req.Password,
		GlobalUserID:             req.GlobalUserID,
		OrganizationName:         req.Organization.Name,
		OrganizationDatabaseName: req.Organization.DatabaseName,
		OrganizationDescription:  req.Organization.Description,
		OrganizationURL:          req.Organization.OrgURL,
		Roles:                    req.Roles,
	})
	if err != nil {
		if errors.Is(err, identity.ErrConflict) {
			writeError(w, r, http.StatusConflict, "organization database name already registered")
			return
		}
		handleStoreError(w, r, err)
		return
	}

	a.audit(r.Context(), "account.registered", map[string]any{
		"user_id":         user.ID,
		"username":        user.Username,
		"organization_id": org.ID,
	})

	w.Header().Set("Location", "/api/users/"+user.ID)
	writeJSON(w, http.StatusCreated, registerResponse{User: user, Organization: org})
}

type updateUserRequest struct {
	CurrentPassword string `json:"current_password"`
	NewUsername     string `json:"new_username"`
	NewPassword     string `json:"new_password"`
}

// handleUserUpdate changes the caller's own username and/or password. The
// password change is policy gated; a reuse hit rejects the whole request.
func (a *API) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID := subjectFromContext(r.Context())
	if userID == "" {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.NewUsername == "" && req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, "nothing to update")
		return
	}

	if req.NewPassword != "" {
		err := a.svc.ApplyPasswordChange(r.Context(), userID, req.CurrentPassword, req.NewPassword)
		if err != nil {
			a.rejectPasswordChange(w, r, userID, err)
			return
		}
		obs.PasswordChange("changed")
		a.audit(r.Context(), "password.changed", map[string]any{"user_id": userID})
	}

	if req.NewUsername != "" {
		username := strings.TrimSpace(req.NewUsername)
		if username == "" {
			writeError(w, r, http.StatusBadRequest, "new_username must not be blank")
			return
		}
		if err := a.store.Users(r.Context()).UpdateUsername(r.Context(), userID, username); err != nil {
			handleStoreError(w, r, err)
			return
		}
		a.audit(r.Context(), "username.changed", map[string]any{"user_id": userID, "username": username})
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (a *API) rejectPasswordChange(w http.ResponseWriter, r *http.Request, userID string, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		obs.PasswordChange("invalid_credentials")
		writeError(w, r, http.StatusUnauthorized, "Invalid username or password.")
	case errors.Is(err, identity.ErrPasswordReused):
		obs.PasswordChange("reused")
		a.audit(r.Context(), "password.reuse_rejected", map[string]any{"user_id": userID})
		writeError(w, r, http.StatusUnauthorized, "You cannot use a previously used password.")
	case errors.Is(err, identity.ErrInvalidInput):
		obs.PasswordChange("invalid_input")
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.PasswordChange("error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// handleForgotPassword issues a reset token and emails the link. The
// response never reveals whether the email maps to an account.
func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	token, user, err := a.svc.BeginPasswordReset(r.Context(), req.Email)
	switch {
	case err == nil:
		link := a.resetLink(token, user.Email)
		body := fmt.Sprintf(
			`<p>A password reset was requested for your account.</p><p><a href=%q>Reset your password</a></p><p>If you did not request this, ignore this email.</p>`,
			link)
		if err := a.mailer.Send(r.Context(), user.Email, "Password reset", body); err != nil {
			writeError(w, r, http.StatusInternalServerError, "could not deliver reset email")
			return
		}
		a.audit(r.Context(), "password.reset_requested", map[string]any{"user_id": user.ID})
	case errors.Is(err, identity.ErrNotFound):
		// Fall through to the generic response.
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "If the email is registered, a reset link has been sent.",
	})
}

func (a *API) resetLink(token, email string) string {
	base := a.resetLinkBase
	if base == "" {
		base = "/reset-password"
	}
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	return base + "?" + q.Encode()
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidResetToken):
			writeError(w, r, http.StatusBadRequest, "The reset token is invalid or has expired.")
		case errors.Is(err, identity.ErrPasswordReused):
			obs.PasswordChange("reused")
			writeError(w, r, http.StatusUnauthorized, "You cannot use a previously used password.")
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	obs.PasswordChange("reset")
	a.audit(r.Context(), "password.reset_completed", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "password updated"})
}
