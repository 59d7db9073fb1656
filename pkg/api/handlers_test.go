package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsimd/pkg/app"
	"github.com/cuemby/tsimd/pkg/config"
	"github.com/cuemby/tsimd/pkg/dscp"
	"github.com/cuemby/tsimd/pkg/progress"
	"github.com/cuemby/tsimd/pkg/queue"
	"github.com/cuemby/tsimd/pkg/reconciler"
	"github.com/cuemby/tsimd/pkg/registry"
	"github.com/cuemby/tsimd/pkg/session"
)

func hashOf(password string) string {
	sum := sha256.Sum256([]byte(password))
	return fmt.Sprintf("%x", sum)
}

func newTestServer(t *testing.T) (*httptest.Server, *app.Application) {
	t.Helper()
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(dataDir+"/registries", 0o755))
	require.NoError(t, os.MkdirAll(dataDir+"/locks", 0o755))

	reg, err := registry.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	q, err := queue.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	pool := dscp.NewPool([]int{40, 41}, dataDir+"/locks/dscp.lock", time.Minute)
	recon := reconciler.New(reg, pool, q, dataDir+"/runs")
	tracker := progress.NewTracker()

	sessions, err := session.NewStore(dataDir, time.Hour)
	require.NoError(t, err)

	auth := session.NewStaticAuthenticator([]session.Credential{
		{Username: "alice", PasswordHash: hashOf("hunter2"), Role: session.RoleUser},
		{Username: "admin", PasswordHash: hashOf("adminpw"), Role: session.RoleAdmin},
	})

	a := &app.Application{
		Config:     &config.Config{DataDir: dataDir},
		Registry:   reg,
		Queue:      q,
		DSCP:       pool,
		Reconciler: recon,
		Progress:   tracker,
		Sessions:   sessions,
		Auth:       auth,
	}

	srv := NewServer(a, ServerOptions{})
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, a
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestLoginSetsSessionCookie(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()
	client.Jar = newCookieJar(t, ts.URL)

	resp := doJSON(t, client, http.MethodPost, ts.URL+"/login", loginRequest{Username: "alice", Password: "hunter2"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			found = true
		}
	}
	require.True(t, found, "expected a session cookie to be set")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/login", loginRequest{Username: "alice", Password: "wrong"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitWithoutSessionIsUnauthorized(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/main", submitRequest{
		Source: "10.0.0.1", Destination: "10.0.0.2", Services: "80",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitEnqueuesRun(t *testing.T) {
	ts, a := newTestServer(t)
	client := ts.Client()
	client.Jar = newCookieJar(t, ts.URL)

	loginResp := doJSON(t, client, http.MethodPost, ts.URL+"/login", loginRequest{Username: "alice", Password: "hunter2"})
	loginResp.Body.Close()
	require.Equal(t, http.StatusOK, loginResp.StatusCode)

	resp := doJSON(t, client, http.MethodPost, ts.URL+"/main", submitRequest{
		Source: "10.0.0.1", Destination: "10.0.0.2", Services: "80,443/tcp",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.NotEmpty(t, out.RunID)

	run, err := a.Queue.Get(out.RunID)
	require.NoError(t, err)
	require.Equal(t, "alice", run.Owner)
}

func TestSubmitRejectsInvalidSource(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()
	client.Jar = newCookieJar(t, ts.URL)

	loginResp := doJSON(t, client, http.MethodPost, ts.URL+"/login", loginRequest{Username: "alice", Password: "hunter2"})
	loginResp.Body.Close()

	resp := doJSON(t, client, http.MethodPost, ts.URL+"/main", submitRequest{
		Source: "not-an-ip", Destination: "10.0.0.2", Services: "80",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminQueueRequiresAdminRole(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()
	client.Jar = newCookieJar(t, ts.URL)

	loginResp := doJSON(t, client, http.MethodPost, ts.URL+"/login", loginRequest{Username: "alice", Password: "hunter2"})
	loginResp.Body.Close()

	resp, err := client.Get(ts.URL + "/admin/queue")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminQueueAllowsAdmin(t *testing.T) {
	ts, _ := newTestServer(t)
	client := ts.Client()
	client.Jar = newCookieJar(t, ts.URL)

	loginResp := doJSON(t, client, http.MethodPost, ts.URL+"/login", loginRequest{Username: "admin", Password: "adminpw"})
	loginResp.Body.Close()

	resp, err := client.Get(ts.URL + "/admin/queue")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServicesConfigRequiresNoSession(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/services-config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func newCookieJar(t *testing.T, base string) http.CookieJar {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return jar
}
