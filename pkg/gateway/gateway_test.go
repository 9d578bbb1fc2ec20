package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hutchhq/hutch/pkg/api"
	"github.com/hutchhq/hutch/pkg/config"
	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/kernel"
	"github.com/hutchhq/hutch/pkg/types"
)

const echoService = `
function start(opts)
end

function handle(msg)
  return { op = msg.op, tenant = msg.tenant }
end

function stop()
end
`

func newTestGateway(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.EventsDB = filepath.Join(dir, "events")
	cfg.VaultDB = filepath.Join(dir, "vault")
	cfg.CertDir = filepath.Join(dir, "certs")
	cfg.Monitor.IntervalMs = 3_600_000
	require.NoError(t, cfg.Validate())

	k, err := kernel.New(cfg)
	require.NoError(t, err)
	require.NoError(t, k.Start())

	srv := httptest.NewServer(NewServer(k, opts).Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx, 2*time.Second)
	})
	return srv
}

func doReq(t *testing.T, method, url, tenant string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestDeployListStatusOverHTTP(t *testing.T) {
	srv := newTestGateway(t, Options{})

	resp := doReq(t, http.MethodPost, srv.URL+"/v1/services", "t1",
		api.DeployRequest{Service: "svc", Code: echoService}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	dep := decode[api.HandleResponse](t, resp)
	assert.Equal(t, "t1", dep.Handle.Tenant)

	resp = doReq(t, http.MethodGet, srv.URL+"/v1/services", "t1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListResponse](t, resp)
	require.Len(t, list.Services, 1)

	resp = doReq(t, http.MethodGet, srv.URL+"/v1/services/svc", "t1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[api.StatusResponse](t, resp)
	assert.True(t, st.Status.Alive)

	// Another tenant sees nothing.
	resp = doReq(t, http.MethodGet, srv.URL+"/v1/services/svc", "t2", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingTenantIsRejected(t *testing.T) {
	srv := newTestGateway(t, Options{})

	resp := doReq(t, http.MethodGet, srv.URL+"/v1/services", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	env := decode[errdefs.Envelope](t, resp)
	assert.Equal(t, errdefs.KindUnauthorized, env.ErrorCode)
	assert.False(t, env.Timestamp.IsZero())
}

func TestErrorEnvelopeShape(t *testing.T) {
	srv := newTestGateway(t, Options{})

	resp := doReq(t, http.MethodGet, srv.URL+"/v1/services/ghost", "t1", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	env := decode[errdefs.Envelope](t, resp)
	assert.Equal(t, errdefs.KindNotFound, env.ErrorCode)
	assert.Contains(t, env.Message, "ghost")
}

func TestSecretsOverHTTP(t *testing.T) {
	srv := newTestGateway(t, Options{})
	key := map[string]string{
		VaultKeyHeader: base64.StdEncoding.EncodeToString([]byte("correct horse battery staple....")),
	}

	resp := doReq(t, http.MethodPut, srv.URL+"/v1/secrets/db_url", "t1",
		map[string]any{"value": []byte("postgres://x")}, key)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doReq(t, http.MethodGet, srv.URL+"/v1/secrets/db_url", "t1", nil, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[api.SecretResponse](t, resp)
	assert.Equal(t, []byte("postgres://x"), got.Value)

	// Missing master key is Unauthorized before the vault is touched.
	resp = doReq(t, http.MethodGet, srv.URL+"/v1/secrets/db_url", "t1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doReq(t, http.MethodGet, srv.URL+"/v1/secrets", "t1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	names := decode[api.SecretListResponse](t, resp)
	assert.Equal(t, []string{"db_url"}, names.Names)

	resp = doReq(t, http.MethodDelete, srv.URL+"/v1/secrets/db_url", "t1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCapabilitiesOverHTTP(t *testing.T) {
	srv := newTestGateway(t, Options{})

	resp := doReq(t, http.MethodPost, srv.URL+"/v1/capabilities", "t1",
		api.GrantRequest{Resource: "fs", Permissions: []string{"read"}, TTLSeconds: 3600}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	grant := decode[api.GrantResponse](t, resp)
	require.NotEmpty(t, grant.Token)

	resp = doReq(t, http.MethodPost, srv.URL+"/v1/capabilities/verify", "t1",
		api.VerifyRequest{Token: grant.Token, Resource: "fs", Permission: "write"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doReq(t, http.MethodDelete, srv.URL+"/v1/capabilities/"+grant.Capability.TokenHash, "t1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRateLimitAtTheEdge(t *testing.T) {
	srv := newTestGateway(t, Options{RateLimit: rate.Limit(1), RateBurst: 1})

	resp := doReq(t, http.MethodGet, srv.URL+"/v1/services", "t1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doReq(t, http.MethodGet, srv.URL+"/v1/services", "t1", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Limits are per tenant.
	resp = doReq(t, http.MethodGet, srv.URL+"/v1/services", "t2", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthzAndMetricsUnscoped(t *testing.T) {
	srv := newTestGateway(t, Options{})

	resp := doReq(t, http.MethodGet, srv.URL+"/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doReq(t, http.MethodGet, srv.URL+"/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSSEStreamsDeployEvents(t *testing.T) {
	srv := newTestGateway(t, Options{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set(TenantHeader, "w")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	depResp := doReq(t, http.MethodPost, srv.URL+"/v1/services", "w",
		api.DeployRequest{Service: "svc", Code: echoService}, nil)
	require.Equal(t, http.StatusCreated, depResp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	var sawID, sawEvent, sawData bool
	deadline := time.After(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				sawID = true
			case line == "event: "+string(types.EventServiceDeployed):
				sawEvent = true
			case strings.HasPrefix(line, "data: "):
				var e types.Event
				if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e) == nil &&
					e.Type == types.EventServiceDeployed && e.TenantID == "w" {
					sawData = true
					return
				}
			}
		}
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("service_deployed never arrived on the SSE stream")
	}
	assert.True(t, sawID)
	assert.True(t, sawEvent)
	assert.True(t, sawData)
}

func TestSSEResumesFromLastEventID(t *testing.T) {
	srv := newTestGateway(t, Options{})

	depResp := doReq(t, http.MethodPost, srv.URL+"/v1/services", "w",
		api.DeployRequest{Service: "svc", Code: echoService}, nil)
	require.Equal(t, http.StatusCreated, depResp.StatusCode)

	// Resuming past everything replays no backlog.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set(TenantHeader, "w")
	req.Header.Set("Last-Event-ID", "999999")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		assert.False(t, strings.HasPrefix(scanner.Text(), "data: "), "backlog should be empty past the resume id")
	}
}
