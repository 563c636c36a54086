package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felthorpe/acsp-members/pkg/members"
	"github.com/felthorpe/acsp-members/pkg/profiles"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestWriteDomainError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/memberships/M1", nil)

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"malformed", fmt.Errorf("%w: patch changes nothing", members.ErrMalformed), http.StatusBadRequest, "malformed request: patch changes nothing"},
		{"duplicate", members.ErrDuplicate, http.StatusBadRequest, "user already has a membership"},
		{"forbidden", members.ErrForbidden, http.StatusForbidden, ForbiddenMessage},
		{"not found", members.ErrNotFound, http.StatusNotFound, NotFoundMessage},
		{"conflict", members.ErrConflict, http.StatusConflict, "membership was modified concurrently"},
		{"timeout is internal", &profiles.TimeoutError{Service: "users", Err: errors.New("deadline exceeded")}, http.StatusInternalServerError, InternalMessage},
		{"unknown is internal", errors.New("boom"), http.StatusInternalServerError, InternalMessage},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteDomainError(rec, req, tc.err)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantBody, decodeError(t, rec))
		})
	}
}

func TestForbiddenNeverNamesTheRule(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/memberships/M1", nil)
	WriteDomainError(rec, req, fmt.Errorf("last owner of ORG1: %w", members.ErrForbidden))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ForbiddenMessage, decodeError(t, rec))
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteSuccess(rec, map[string]int{"n": 1}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())
}
