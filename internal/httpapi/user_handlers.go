package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"ifmis.org/internal/identity"
)

// userView is a user record enriched with the organization and role names
// that token claims are built from.
type userView struct {
	*identity.User
	OrganizationName string   `json:"organization_name,omitempty"`
	Roles            []string `json:"roles"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	users, err := a.store.Users(r.Context()).List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	views, err := a.enrichUsers(r.Context(), users)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/users/")
	switch {
	case path == "update":
		a.handleUserUpdate(w, r)
	case path == "forgot-password":
		a.handleForgotPassword(w, r)
	case path == "reset-password":
		a.handleResetPassword(w, r)
	case strings.HasPrefix(path, "by-username/"):
		a.getUserByUsername(w, r, strings.TrimPrefix(path, "by-username/"))
	case path == "" || strings.Contains(path, "/"):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		a.getUser(w, r, path)
	}
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, err := a.store.Users(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	view, err := a.enrichUser(r.Context(), user)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) getUserByUsername(w http.ResponseWriter, r *http.Request, username string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	username = strings.TrimSpace(username)
	if username == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	user, err := a.store.Users(r.Context()).FindByUsername(r.Context(), username)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	view, err := a.enrichUser(r.Context(), user)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) enrichUsers(ctx context.Context, users []*identity.User) ([]userView, error) {
	views := make([]userView, 0, len(users))
	// Organizations repeat across users; resolve each once.
	orgNames := make(map[string]string)
	for _, u := range users {
		view, err := a.enrichUserCached(ctx, u, orgNames)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (a *API) enrichUser(ctx context.Context, user *identity.User) (userView, error) {
	return a.enrichUserCached(ctx, user, make(map[string]string))
}

func (a *API) enrichUserCached(ctx context.Context, user *identity.User, orgNames map[string]string) (userView, error) {
	view := userView{User: user, Roles: []string{}}

	if user.OrganizationID != "" {
		name, ok := orgNames[user.OrganizationID]
		if !ok {
			org, err := a.store.Organizations(ctx).Find(ctx, user.OrganizationID)
			switch {
			case err == nil:
				name = org.Name
			case errors.Is(err, identity.ErrNotFound):
				name = ""
			default:
				return userView{}, err
			}
			orgNames[user.OrganizationID] = name
		}
		view.OrganizationName = name
	}

	roles, err := a.store.Users(ctx).RolesOf(ctx, user.ID)
	if err != nil {
		return userView{}, err
	}
	for _, role := range roles {
		view.Roles = append(view.Roles, role.Name)
	}
	return view, nil
}
