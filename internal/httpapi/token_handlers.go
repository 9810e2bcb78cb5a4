package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ifmis.org/internal/identity"
	"ifmis.org/internal/obs"
)

const grantTypePassword = "password"

// handleConnectToken is the OAuth2 token endpoint. It accepts a form-encoded
// password grant and answers either a token response or an OAuth-style error
// body with error and error_description fields.
func (a *API) handleConnectToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "The request body could not be parsed.")
		return
	}
	if grant := r.PostFormValue("grant_type"); grant != grantTypePassword {
		obs.TokenExchange("unsupported_grant")
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "The specified grant type is not supported.")
		return
	}

	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")

	resp, err := a.svc.ExchangePasswordGrant(r.Context(), username, password)
	if err != nil {
		a.rejectTokenExchange(w, r, username, err)
		return
	}

	obs.TokenExchange("issued")
	a.audit(r.Context(), "token.issued", map[string]any{
		"username": username,
		"scope":    resp.Scope,
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) rejectTokenExchange(w http.ResponseWriter, r *http.Request, username string, err error) {
	var (
		status int
		code   string
		desc   string
		result string
	)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		status, code, desc = http.StatusUnauthorized, "invalid_grant", "Invalid username or password."
		result = "invalid_credentials"
	case errors.Is(err, identity.ErrAccountInactive):
		status, code, desc = http.StatusForbidden, "invalid_grant", "User account is inactive."
		result = "account_inactive"
	case errors.Is(err, identity.ErrPasswordExpired):
		status, code, desc = http.StatusUnauthorized, "invalid_grant", "Your password has expired. Please change your password."
		result = "password_expired"
	default:
		status, code, desc = http.StatusInternalServerError, "server_error", "The authorization server encountered an error."
		result = "error"
	}

	obs.TokenExchange(result)
	a.audit(r.Context(), "token.rejected", map[string]any{
		"username": username,
		"reason":   result,
	})
	writeTokenError(w, status, code, desc)
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, map[string]any{
		"error":             code,
		"error_description": description,
	})
}
