package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"me.sttot/certbot-k8s/src/metrics"
	"me.sttot/certbot-k8s/src/models"
)

type stubWebServer struct {
	ready bool
	err   error
}

func (s stubWebServer) Ready() bool      { return s.ready }
func (s stubWebServer) LastError() error { return s.err }

func TestRouter(t *testing.T) {
	recorder := metrics.NewRecorder()
	recorder.SetPhase(models.PhaseReady)

	tests := []struct {
		name     string
		ready    bool
		lastErr  error
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{name: "healthz", ready: false, method: http.MethodGet, path: "/healthz", wantCode: http.StatusOK, wantBody: "ok"},
		{name: "readyz not ready", ready: false, method: http.MethodGet, path: "/readyz", wantCode: http.StatusServiceUnavailable},
		{name: "readyz exited", ready: false, lastErr: errors.New("exit status 1"), method: http.MethodGet, path: "/readyz", wantCode: http.StatusServiceUnavailable, wantBody: "web server not ready: exit status 1"},
		{name: "readyz ready", ready: true, method: http.MethodGet, path: "/readyz", wantCode: http.StatusOK, wantBody: "ok"},
		{name: "metrics", ready: true, method: http.MethodGet, path: "/metrics", wantCode: http.StatusOK, wantBody: "certbot_k8s_phase"},
		{name: "wrong method", ready: true, method: http.MethodPost, path: "/healthz", wantCode: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newRouter(recorder, stubWebServer{ready: tt.ready, err: tt.lastErr}).ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, "example-com-tls"))
	assert.Equal(t, "result: example-com-tls\n", buf.String())
}

func TestCommandTree(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"action", "get-secret-name"})
	require.NoError(t, err)
	assert.Equal(t, "get-secret-name", cmd.Name())

	cmd, _, err = rootCmd.Find([]string{"action", "renew-certificate"})
	require.NoError(t, err)
	assert.Equal(t, "renew-certificate", cmd.Name())

	flag := runCmd.Flags().Lookup("check-interval")
	require.NotNil(t, flag)
	assert.Equal(t, "10m0s", flag.DefValue)
}

func TestRunRejectsNonPositiveCheckInterval(t *testing.T) {
	saved := checkInterval
	defer func() { checkInterval = saved }()

	for _, d := range []time.Duration{0, -time.Minute} {
		checkInterval = d
		err := run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--check-interval must be positive")
	}
}
