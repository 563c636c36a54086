package profiles

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felthorpe/acsp-members/pkg/config"
	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/observability"
)

func clientConfig(baseURL string, timeout time.Duration) config.CollaboratorConfig {
	return config.CollaboratorConfig{
		UsersAPIURL:    baseURL,
		ACSPProfileURL: baseURL,
		RequestTimeout: timeout,
		CacheSize:      16,
		CacheTTL:       time.Minute,
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger("error", nil)
}

func TestUserClient_GetUser(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/users/U123":
			json.NewEncoder(w).Encode(identity.User{ID: "U123", Email: "u@example.com"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewUserClient(clientConfig(server.URL, time.Second), nil, testLogger())

	user, err := client.GetUser(context.Background(), "U123")
	require.NoError(t, err)
	assert.Equal(t, "U123", user.ID)
	assert.Equal(t, "u@example.com", user.Email)

	// Second lookup is served from cache.
	_, err = client.GetUser(context.Background(), "U123")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	_, err = client.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserClient_FindUserByEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/search", r.URL.Path)
		switch r.URL.Query().Get("user_email") {
		case "known@example.com":
			json.NewEncoder(w).Encode([]identity.User{{ID: "U1", Email: "known@example.com"}})
		default:
			json.NewEncoder(w).Encode([]identity.User{})
		}
	}))
	defer server.Close()

	client := NewUserClient(clientConfig(server.URL, time.Second), nil, testLogger())

	user, err := client.FindUserByEmail(context.Background(), "known@example.com")
	require.NoError(t, err)
	assert.Equal(t, "U1", user.ID)

	// An empty search result is a not-found, not an error.
	_, err = client.FindUserByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrgClient_GetProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acsps/ORG1":
			json.NewEncoder(w).Encode(OrgProfile{Number: "ORG1", Name: "Example ACSP", Status: "active"})
		case "/acsps/GONE1":
			json.NewEncoder(w).Encode(OrgProfile{Number: "GONE1", Name: "Former ACSP", Status: OrgStatusCeased})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewOrgClient(clientConfig(server.URL, time.Second), nil, testLogger())

	profile, err := client.GetProfile(context.Background(), "ORG1")
	require.NoError(t, err)
	assert.Equal(t, "Example ACSP", profile.Name)
	assert.False(t, profile.Ceased())

	ceased, err := client.GetProfile(context.Background(), "GONE1")
	require.NoError(t, err)
	assert.True(t, ceased.Ceased())

	_, err = client.GetProfile(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetJSON_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := NewUserClient(clientConfig(server.URL, 50*time.Millisecond), nil, testLogger())

	_, err := client.GetUser(context.Background(), "U123")
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "expected a typed timeout error, got %v", err)
}

func TestGetJSON_UnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewOrgClient(clientConfig(server.URL, time.Second), nil, testLogger())

	_, err := client.GetProfile(context.Background(), "ORG1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "status 502")
}
