package creditlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginThenBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/auth/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ver@example.com", body["email"])
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
		case "/v0/workflows/wf-1/steps/verification/advance":
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(Workflow{ID: "wf-1", Status: "verified"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	require.NoError(t, c.Login(context.Background(), "ver@example.com", "password1"))
	wf, err := c.AdvanceStep(context.Background(), "wf-1", "verification", "complete")
	require.NoError(t, err)
	assert.Equal(t, "verified", wf.Status)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestAPIErrorCarriesEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cl_key", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"insufficient_credits","message":"insufficient credits"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "cl_key"
	_, err := c.Burn(context.Background(), "10")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "insufficient_credits", apiErr.Code)
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/events", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "40", r.URL.Query().Get("cursor"))
		_ = json.NewEncoder(w).Encode(PaginatedEvents{Items: []Event{{ID: 39, Type: "ledger.reset"}}, NextCursor: "39"})
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 25, "40")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "39", page.NextCursor)
}
