// Package api wires the HTTP surface: the router, the middleware chain,
// and the membership handlers.
package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/felthorpe/acsp-members/pkg/httputil"
	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/members"
	"github.com/felthorpe/acsp-members/pkg/observability"
)

const (
	defaultItemsPerPage = 15
	maxItemsPerPage     = 100
)

// MembershipHandlers serves the membership endpoints
type MembershipHandlers struct {
	service *members.Service
	logger  *observability.Logger
}

// NewMembershipHandlers creates the membership handler set
func NewMembershipHandlers(service *members.Service, logger *observability.Logger) *MembershipHandlers {
	return &MembershipHandlers{service: service, logger: logger}
}

// RegisterRoutes registers the membership endpoints on the router
func (h *MembershipHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/acsps/{acsp_number}/memberships", h.CreateMembership).Methods(http.MethodPost)
	router.HandleFunc("/acsps/{acsp_number}/memberships", h.ListMemberships).Methods(http.MethodGet)
	router.HandleFunc("/acsps/{acsp_number}/memberships/lookup", h.LookupMembership).Methods(http.MethodPost)
	router.HandleFunc("/memberships/{id}", h.GetMembership).Methods(http.MethodGet)
	router.HandleFunc("/memberships/{id}", h.PatchMembership).Methods(http.MethodPatch)
	router.HandleFunc("/user/memberships", h.ListOwnMemberships).Methods(http.MethodGet)
}

type createMembershipRequest struct {
	UserID    string `json:"user_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
	Role      string `json:"user_role"`
}

// CreateMembership handles POST /acsps/{acsp_number}/memberships
func (h *MembershipHandlers) CreateMembership(w http.ResponseWriter, r *http.Request) {
	acspNumber, ok := httputil.ParsePathStringOrError(w, r, "acsp_number")
	if !ok {
		return
	}

	var body createMembershipRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	role, ok := identity.ParseRole(body.Role)
	if !ok {
		httputil.WriteBadRequest(w, fmt.Sprintf("invalid user_role: %q", body.Role))
		return
	}

	membership, err := h.service.Create(r.Context(), acspNumber, members.CreateRequest{
		UserID:    body.UserID,
		UserEmail: body.UserEmail,
		Role:      role,
	})
	if err != nil {
		httputil.WriteDomainError(w, r, err)
		return
	}
	httputil.WriteCreated(w, membership)
}

// ListMemberships handles GET /acsps/{acsp_number}/memberships
func (h *MembershipHandlers) ListMemberships(w http.ResponseWriter, r *http.Request) {
	acspNumber, ok := httputil.ParsePathStringOrError(w, r, "acsp_number")
	if !ok {
		return
	}

	filter, ok := parseListFilter(w, r)
	if !ok {
		return
	}

	result, err := h.service.List(r.Context(), acspNumber, filter)
	if err != nil {
		httputil.WriteDomainError(w, r, err)
		return
	}
	if result.Items == nil {
		result.Items = []*members.Membership{}
	}
	httputil.WriteSuccess(w, result)
}

type lookupRequest struct {
	UserEmail string `json:"user_email"`
}

// LookupMembership handles POST /acsps/{acsp_number}/memberships/lookup.
// A POST so the email address never lands in access logs or proxies.
func (h *MembershipHandlers) LookupMembership(w http.ResponseWriter, r *http.Request) {
	acspNumber, ok := httputil.ParsePathStringOrError(w, r, "acsp_number")
	if !ok {
		return
	}

	var body lookupRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if body.UserEmail == "" {
		httputil.WriteBadRequest(w, "user_email is required")
		return
	}

	membership, err := h.service.Lookup(r.Context(), acspNumber, body.UserEmail)
	if err != nil {
		httputil.WriteDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, membership)
}

// GetMembership handles GET /memberships/{id}
func (h *MembershipHandlers) GetMembership(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	membership, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, membership)
}

type patchMembershipRequest struct {
	UserRole   *string `json:"user_role,omitempty"`
	UserStatus *string `json:"user_status,omitempty"`
}

// PatchMembership handles PATCH /memberships/{id}
func (h *MembershipHandlers) PatchMembership(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var body patchMembershipRequest
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	var req members.UpdateRequest
	if body.UserRole != nil {
		role, ok := identity.ParseRole(*body.UserRole)
		if !ok {
			httputil.WriteBadRequest(w, fmt.Sprintf("invalid user_role: %q", *body.UserRole))
			return
		}
		req.Role = &role
	}
	if body.UserStatus != nil {
		// The only status a caller may request is removal.
		if members.Status(*body.UserStatus) != members.StatusRemoved {
			httputil.WriteBadRequest(w, fmt.Sprintf("invalid user_status: %q", *body.UserStatus))
			return
		}
		req.Remove = true
	}

	membership, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		httputil.WriteDomainError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, membership)
}

// ListOwnMemberships handles GET /user/memberships
func (h *MembershipHandlers) ListOwnMemberships(w http.ResponseWriter, r *http.Request) {
	includeRemoved, err := httputil.ParseQueryBool(r, "include_removed", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	memberships, err := h.service.ListForCaller(r.Context(), includeRemoved)
	if err != nil {
		httputil.WriteDomainError(w, r, err)
		return
	}
	if memberships == nil {
		memberships = []*members.Membership{}
	}
	httputil.WriteSuccess(w, memberships)
}

// parseListFilter validates the listing query parameters. Invalid values
// are a 400, not silently clamped.
func parseListFilter(w http.ResponseWriter, r *http.Request) (members.ListFilter, bool) {
	filter := members.ListFilter{Page: 1, PerPage: defaultItemsPerPage}

	if raw := httputil.ParseQueryString(r, "role", ""); raw != "" {
		role, ok := identity.ParseRole(raw)
		if !ok {
			httputil.WriteBadRequest(w, fmt.Sprintf("invalid role filter: %q", raw))
			return filter, false
		}
		filter.Role = &role
	}

	includeRemoved, err := httputil.ParseQueryBool(r, "include_removed", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return filter, false
	}
	filter.IncludeRemoved = includeRemoved

	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil || page < 1 {
		httputil.WriteBadRequest(w, "page must be a positive integer")
		return filter, false
	}
	filter.Page = page

	perPage, err := httputil.ParseQueryInt(r, "items_per_page", defaultItemsPerPage)
	if err != nil || perPage < 1 || perPage > maxItemsPerPage {
		httputil.WriteBadRequest(w, fmt.Sprintf("items_per_page must be between 1 and %d", maxItemsPerPage))
		return filter, false
	}
	filter.PerPage = perPage

	return filter, true
}
