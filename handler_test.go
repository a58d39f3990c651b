package s3ui_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jhurlocker/s3ui"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *s3ui.App {
	t.Helper()
	dir := t.TempDir()
	store, err := s3ui.NewFilePolicyStore(context.Background(), s3ui.StoreOption{
		PolicyFile: filepath.Join(dir, "polling_config.json"),
		LockFile:   filepath.Join(dir, "polling_config.lock"),
	})
	require.NoError(t, err)
	app, err := s3ui.New(
		s3ui.AppOption{ConnFile: filepath.Join(dir, "s3_config.json")},
		store,
		s3ui.NewWebhookNotifier(s3ui.NotifierOption{}),
		s3ui.PollOption{},
	)
	require.NoError(t, err)
	return app
}

func doRequest(app *s3ui.App, method, target, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	app.ServeHTTP(w, req)
	return w
}

func TestHandlerHealth(t *testing.T) {
	app := newTestApp(t)
	resp := doRequest(app, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestHandlerConnectionNotConfigured(t *testing.T) {
	app := newTestApp(t)
	resp := doRequest(app, http.MethodGet, "/api/connection", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{
		"endpoint_url": "",
		"access_key": "",
		"secret_key": "",
		"region": "",
		"connected": false
	}`, resp.Body.String())
}

func TestHandlerPutConnectionIncomplete(t *testing.T) {
	app := newTestApp(t)
	resp := doRequest(app, http.MethodPut, "/api/connection", `{"endpoint_url": "http://minio:9000"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandlerPutConnectionMalformedBody(t *testing.T) {
	app := newTestApp(t)
	resp := doRequest(app, http.MethodPut, "/api/connection", `{"endpoint_url": `)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandlerPutConnectionMaskedSecretWithoutStoredDocument(t *testing.T) {
	app := newTestApp(t)
	resp := doRequest(app, http.MethodPut, "/api/connection", `{
		"endpoint_url": "http://minio:9000",
		"access_key": "minioadmin",
		"secret_key": "********",
		"region": "us-east-1"
	}`)
	require.Equal(t, http.StatusBadRequest, resp.Code, "there is no stored secret to keep")
	require.Contains(t, resp.Body.String(), "secret_key")
}

func TestHandlerBucketsWithoutConnection(t *testing.T) {
	app := newTestApp(t)
	resp := doRequest(app, http.MethodGet, "/api/buckets", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Contains(t, resp.Body.String(), "not configured")
}

func TestHandlerNotificationsLifecycle(t *testing.T) {
	app := newTestApp(t)

	// unknown bucket reads as disabled
	resp := doRequest(app, http.MethodGet, "/api/buckets/reports/notifications", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"bucket": "reports", "enabled": false, "webhook_url": ""}`, resp.Body.String())

	// enabling requires a webhook url
	resp = doRequest(app, http.MethodPut, "/api/buckets/reports/notifications", `{"enabled": true}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(app, http.MethodPut, "/api/buckets/reports/notifications",
		`{"enabled": true, "webhook_url": "http://consumer.example.com/hook"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(app, http.MethodGet, "/api/buckets/reports/notifications", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{
		"bucket": "reports",
		"enabled": true,
		"webhook_url": "http://consumer.example.com/hook"
	}`, resp.Body.String())

	// pause keeps the url
	resp = doRequest(app, http.MethodPut, "/api/buckets/reports/notifications",
		`{"enabled": false, "webhook_url": "http://consumer.example.com/hook"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(app, http.MethodDelete, "/api/buckets/reports/notifications", "")
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = doRequest(app, http.MethodGet, "/api/buckets/reports/notifications", "")
	require.JSONEq(t, `{"bucket": "reports", "enabled": false, "webhook_url": ""}`, resp.Body.String())
}

func TestHandlerUploadRequiresFile(t *testing.T) {
	app := newTestApp(t)
	req := httptest.NewRequest(http.MethodPost, "/api/buckets/docs/objects", strings.NewReader("not a form"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=deadbeef")
	w := httptest.NewRecorder()
	app.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerDeleteObjectsRequiresSelector(t *testing.T) {
	app := newTestApp(t)
	resp := doRequest(app, http.MethodDelete, "/api/buckets/docs/objects", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.Code, "connection is checked before the selector")
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	app := newTestApp(t)
	resp := doRequest(app, http.MethodPatch, "/api/buckets", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}
