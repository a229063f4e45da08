package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServer_CredentialRequiredWhenConfigured(t *testing.T) {
	a, _ := newTestAgent(t)
	srv := httptest.NewServer(NewServer(a, nil).WithCredential("s3cret").Router())
	t.Cleanup(srv.Close)

	// No credential: refused with 401 and no handler side effect.
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong credential: also refused.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct credential: passes through to the handler.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_NoCredentialConfiguredAllowsAll(t *testing.T) {
	a, _ := newTestAgent(t)
	srv := httptest.NewServer(NewServer(a, nil).Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WriteRefusedWithoutCredentialHasNoSideEffect(t *testing.T) {
	a, _ := newTestAgent(t)
	srv := httptest.NewServer(NewServer(a, nil).WithCredential("s3cret").Router())
	t.Cleanup(srv.Close)

	body := `{"instance":"survival-1","file":"server.properties","bytes_b64":"bWF4LXBsYXllcnM9OTk=","deployment_id":"dep-1"}`
	resp, err := http.Post(srv.URL+"/write", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = a.ReadConfig(context.Background(), "survival-1", "server.properties")
	require.ErrorIs(t, err, ErrNotFound, "an unauthorized write must not touch the filesystem")
}
