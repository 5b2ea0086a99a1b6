package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Roman-Samoilenko/dnsblock/internal/config"
)

type fakeController struct {
	status    Status
	reloadErr error
	startErr  error
	stopped   bool
}

func (f *fakeController) Reload() error {
	if f.reloadErr == nil {
		f.status.Patterns++
	}
	return f.reloadErr
}

func (f *fakeController) StartProxy() error {
	if f.startErr == nil {
		f.status.Running = true
	}
	return f.startErr
}

func (f *fakeController) StopProxy() {
	f.stopped = true
	f.status.Running = false
}

func (f *fakeController) SetBlockAll(v bool)  { f.status.BlockAll = v }
func (f *fakeController) SetDiagnosis(v bool) { f.status.Diagnosis = v }

func (f *fakeController) SetUpstream(ip string) error {
	f.status.Upstream = ip + ":53"
	return nil
}

func (f *fakeController) SetUpstreamPort(port int) error {
	if port == 0 {
		return errors.New("bad port")
	}
	f.status.Listen = "port changed"
	return nil
}

func (f *fakeController) Status() Status { return f.status }

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Status) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var st Status
	if rec.Code < http.StatusBadRequest && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	}
	return rec, st
}

func TestHealth(t *testing.T) {
	ctrl := &fakeController{status: Status{Running: true}}
	h := CreateRouter(ctrl, nil)

	rec, _ := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())

	ctrl.status.Running = false
	rec, _ = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "STOPPED", rec.Body.String())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- Serve(ctx, ln, &fakeController{status: Status{Running: true}}, nil)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(ShutdownTimeout):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestStartReportsBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	err = Start(context.Background(), config.APIConfig{Enabled: true, Listen: taken.Addr().String()}, &fakeController{}, nil)
	require.Error(t, err)
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{status: Status{Running: true, Upstream: "1.1.1.1:53", Patterns: 3}}
	rec, st := do(t, CreateRouter(ctrl, nil), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ctrl.status, st)
}

func TestToggles(t *testing.T) {
	ctrl := &fakeController{}
	h := CreateRouter(ctrl, nil)

	rec, st := do(t, h, http.MethodPost, "/blockall", `{"enabled": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, st.BlockAll)

	rec, st = do(t, h, http.MethodPost, "/diagnosis", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, st.Diagnosis)

	rec, _ = do(t, h, http.MethodPost, "/blockall", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/diagnosis", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpstream(t *testing.T) {
	type testCase struct {
		name string
		body string
		code int
	}

	cases := []testCase{
		{name: "address only", body: `{"address": "9.9.9.9"}`, code: http.StatusOK},
		{name: "port only", body: `{"port": 5353}`, code: http.StatusOK},
		{name: "both", body: `{"address": "9.9.9.9", "port": 5353}`, code: http.StatusOK},
		{name: "empty", body: `{}`, code: http.StatusBadRequest},
		{name: "hostname", body: `{"address": "dns.google"}`, code: http.StatusBadRequest},
		{name: "port out of range", body: `{"address": "9.9.9.9", "port": 99999}`, code: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := &fakeController{}
			rec, _ := do(t, CreateRouter(ctrl, nil), http.MethodPost, "/upstream", tc.body)
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
			if tc.code != http.StatusOK {
				require.Empty(t, ctrl.status.Upstream)
			}
		})
	}
}

func TestReloadStartStop(t *testing.T) {
	ctrl := &fakeController{}
	h := CreateRouter(ctrl, nil)

	rec, st := do(t, h, http.MethodPost, "/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, st.Patterns)

	ctrl.reloadErr = errors.New("failed to read filter file")
	rec, _ = do(t, h, http.MethodPost, "/reload", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "failed to read filter file")

	rec, st = do(t, h, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, st.Running)

	rec, st = do(t, h, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.False(t, st.Running)
	require.True(t, ctrl.stopped)

	ctrl.startErr = errors.New("already running")
	rec, _ = do(t, h, http.MethodPost, "/start", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/reload", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "dnsblock_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := CreateRouter(&fakeController{}, reg)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "dnsblock_test_total 1")

	rec, _ := do(t, CreateRouter(&fakeController{}, nil), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
