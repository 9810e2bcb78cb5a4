package httpapi

import (
	"net/http"
	"strings"

	"ifmis.org/internal/identity"
)

type orgRequest struct {
	Name         string `json:"name"`
	DatabaseName string `json:"database_name"`
	Description  string `json:"description"`
	OrgURL       string `json:"org_url"`
}

func (a *API) handleOrgsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		orgs, err := a.store.Organizations(r.Context()).List(r.Context())
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": orgs})
	case http.MethodPost:
		a.createOrg(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createOrg(w http.ResponseWriter, r *http.Request) {
	var req orgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.DatabaseName) == "" {
		writeError(w, r, http.StatusBadRequest, "name and database_name are required")
		return
	}

	org := &identity.Organization{
		Name:         req.Name,
		DatabaseName: req.DatabaseName,
		Description:  req.Description,
		OrgURL:       req.OrgURL,
	}
	if err := a.store.Organizations(r.Context()).Create(r.Context(), org); err != nil {
		handleStoreError(w, r, err)
		return
	}

	a.audit(r.Context(), "organization.created", map[string]any{
		"organization_id": org.ID,
		"database_name":   org.DatabaseName,
	})
	w.Header().Set("Location", "/api/organizations/"+org.ID)
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) handleOrgResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/organizations/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/users") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/users"), "/")
		a.listOrgUsers(w, r, id)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		org, err := a.store.Organizations(r.Context()).Find(r.Context(), path)
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, org)
	case http.MethodPut:
		a.updateOrg(w, r, path)
	case http.MethodDelete:
		a.deleteOrg(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) updateOrg(w http.ResponseWriter, r *http.Request, id string) {
	var req orgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	orgs := a.store.Organizations(r.Context())
	org, err := orgs.Find(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if req.Name != "" {
		org.Name = req.Name
	}
	if req.DatabaseName != "" {
		org.DatabaseName = req.DatabaseName
	}
	if req.Description != "" {
		org.Description = req.Description
	}
	if req.OrgURL != "" {
		org.OrgURL = req.OrgURL
	}
	if err := orgs.Update(r.Context(), org); err != nil {
		handleStoreError(w, r, err)
		return
	}

	a.audit(r.Context(), "organization.updated", map[string]any{"organization_id": org.ID})
	writeJSON(w, http.StatusOK, org)
}

func (a *API) deleteOrg(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.store.Organizations(r.Context()).Delete(r.Context(), id); err != nil {
		handleStoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "organization.deleted", map[string]any{"organization_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (a *API) listOrgUsers(w http.ResponseWriter, r *http.Request, orgID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if orgID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	users, err := a.store.Users(r.Context()).ListByOrg(r.Context(), orgID)
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

type roleRequest struct {
	Name   string `json:"name"`
	UserID string `json:"user_id"`
}

// handleRoles lists the role catalog on GET. POST ensures the named role
// exists and, when user_id is set, assigns it to that user.
func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		roles, err := a.store.Roles(r.Context()).List(r.Context())
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	case http.MethodPost:
		var req roleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			writeError(w, r, http.StatusBadRequest, "name is required")
			return
		}
		roleStore := a.store.Roles(r.Context())
		role, err := roleStore.EnsureByName(r.Context(), name)
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		if req.UserID != "" {
			if err := roleStore.Assign(r.Context(), req.UserID, role.ID); err != nil {
				handleStoreError(w, r, err)
				return
			}
			a.audit(r.Context(), "role.assigned", map[string]any{
				"role":    role.Name,
				"user_id": req.UserID,
			})
		}
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
