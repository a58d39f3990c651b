package s3ui

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"
)

func (app *App) setupRoute() {
	app.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, http.StatusOK, http.StatusText(http.StatusOK))
	})
	api := app.router.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slog.DebugContext(r.Context(), "console request", "method", r.Method, "uri", r.URL.String())
			next.ServeHTTP(w, r)
		})
	})
	api.HandleFunc("/connection", app.handleGetConnection).Methods(http.MethodGet)
	api.HandleFunc("/connection", app.handlePutConnection).Methods(http.MethodPut)
	api.HandleFunc("/buckets", app.handleListBuckets).Methods(http.MethodGet)
	api.HandleFunc("/buckets", app.handleCreateBucket).Methods(http.MethodPost)
	api.HandleFunc("/buckets/{bucket}", app.handleDeleteBucket).Methods(http.MethodDelete)
	api.HandleFunc("/buckets/{bucket}/objects", app.handleListObjects).Methods(http.MethodGet)
	api.HandleFunc("/buckets/{bucket}/objects", app.handleUploadObject).Methods(http.MethodPost)
	api.HandleFunc("/buckets/{bucket}/objects", app.handleDeleteObjects).Methods(http.MethodDelete)
	api.HandleFunc("/buckets/{bucket}/objects/download", app.handleDownloadObject).Methods(http.MethodGet)
	api.HandleFunc("/buckets/{bucket}/objects/batch-delete", app.handleBatchDelete).Methods(http.MethodPost)
	api.HandleFunc("/buckets/{bucket}/notifications", app.handleGetNotifications).Methods(http.MethodGet)
	api.HandleFunc("/buckets/{bucket}/notifications", app.handlePutNotifications).Methods(http.MethodPut)
	api.HandleFunc("/buckets/{bucket}/notifications", app.handleDeleteNotifications).Methods(http.MethodDelete)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the app's error taxonomy onto HTTP statuses. Unclassified
// errors become 500s with the message passed through; the console is a
// trusted admin surface, not a public API.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var notEmpty *BucketNotEmpty
	switch {
	case errors.Is(err, ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrConfigUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &notEmpty):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "console request failed", "method", r.Method, "uri", r.URL.String(), "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

const maskedSecret = "********"

type connectionResponse struct {
	EndpointURL string `json:"endpoint_url"`
	AccessKey   string `json:"access_key"`
	SecretKey   string `json:"secret_key"`
	Region      string `json:"region"`
	Connected   bool   `json:"connected"`
}

func (app *App) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := app.conns.Load(ctx)
	if errors.Is(err, ErrNotConnected) {
		writeJSON(w, http.StatusOK, connectionResponse{Connected: false})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{
		EndpointURL: conn.EndpointURL,
		AccessKey:   conn.AccessKey,
		SecretKey:   maskedSecret,
		Region:      conn.Region,
		Connected:   true,
	})
}

func (app *App) handlePutConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var conn ConnConfig
	if err := json.NewDecoder(r.Body).Decode(&conn); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("parse request body: %s", err)})
		return
	}
	// The console never reads the secret back, so an edit that keeps the
	// masked placeholder means "leave the stored secret as is".
	if conn.SecretKey == maskedSecret {
		current, err := app.conns.Load(ctx)
		if errors.Is(err, ErrNotConnected) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no stored secret key to keep, provide secret_key"})
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		conn.SecretKey = current.SecretKey
	}
	if err := conn.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	client, err := NewS3Client(ctx, &conn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := client.Ping(ctx); err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: fmt.Sprintf("connection check failed: %s", err)})
		return
	}
	if err := app.conns.Save(ctx, &conn); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{
		EndpointURL: conn.EndpointURL,
		AccessKey:   conn.AccessKey,
		SecretKey:   maskedSecret,
		Region:      conn.Region,
		Connected:   true,
	})
}

type bucketResponse struct {
	BucketInfo
	Monitoring bool   `json:"monitoring"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (app *App) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, err := app.provider.Client(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	buckets, err := client.ListBuckets(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	policies, err := app.policies.Load(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]bucketResponse, 0, len(buckets))
	for _, bucket := range buckets {
		item := bucketResponse{BucketInfo: bucket}
		if policy, ok := policies[bucket.Name]; ok {
			item.Monitoring = policy.Enabled
			item.WebhookURL = policy.WebhookURL
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": resp})
}

func (app *App) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("parse request body: %s", err)})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bucket name is required"})
		return
	}
	client, err := app.provider.Client(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := client.CreateBucket(ctx, req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(ctx, "created bucket", "bucket", req.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

// handleDeleteBucket deletes the bucket and drops its notification policy so
// the poller stops tracking it on the next cycle.
func (app *App) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	client, err := app.provider.Client(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := client.DeleteBucket(ctx, bucket); err != nil {
		writeError(w, r, err)
		return
	}
	if err := app.policies.Delete(ctx, bucket); err != nil {
		slog.WarnContext(ctx, "bucket deleted but removing its notification policy failed", "bucket", bucket, "error", err)
	}
	slog.InfoContext(ctx, "deleted bucket", "bucket", bucket)
	w.WriteHeader(http.StatusNoContent)
}

func (app *App) handleListObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	prefix := r.URL.Query().Get("prefix")
	client, err := app.provider.Client(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	folders, objects, err := client.ListEntries(ctx, bucket, prefix)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prefix":  prefix,
		"folders": folders,
		"objects": objects,
	})
}

const maxUploadSize = 512 << 20 // 512MiB

func (app *App) handleUploadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("parse multipart form: %s", err)})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "form field `file` is required"})
		return
	}
	defer file.Close()
	name := sanitizeObjectName(header.Filename)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid file name"})
		return
	}
	key := r.FormValue("prefix") + name
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(header.Filename))
	}
	client, err := app.provider.Client(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := client.Upload(ctx, bucket, key, file, contentType); err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(ctx, "uploaded object", "bucket", bucket, "key", key, "size", header.Size)
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "size": header.Size})
}

// sanitizeObjectName reduces an uploaded filename to its base component.
// Browsers on Windows may send backslash-separated paths.
func sanitizeObjectName(filename string) string {
	name := strings.ReplaceAll(filename, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

func (app *App) handleDownloadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query parameter `key` is required"})
		return
	}
	client, err := app.provider.Client(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, contentType, err := client.Download(ctx, bucket, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	if _, err := io.Copy(w, body); err != nil {
		slog.WarnContext(ctx, "download aborted", "bucket", bucket, "key", key, "error", err)
	}
}

// handleDeleteObjects deletes one object (?key=) or a whole folder (?prefix=).
func (app *App) handleDeleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	key := r.URL.Query().Get("key")
	prefix := r.URL.Query().Get("prefix")
	client, err := app.provider.Client(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch {
	case key != "":
		if err := client.DeleteObject(ctx, bucket, key); err != nil {
			writeError(w, r, err)
			return
		}
		slog.InfoContext(ctx, "deleted object", "bucket", bucket, "key", key)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
	case prefix != "":
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		deleted, err := client.DeletePrefix(ctx, bucket, prefix)
		if err != nil {
			writeError(w, r, err)
			return
		}
		slog.InfoContext(ctx, "deleted folder", "bucket", bucket, "prefix", prefix, "deleted", deleted)
		writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query parameter `key` or `prefix` is required"})
	}
}

func (app *App) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	var req struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("parse request body: %s", err)})
		return
	}
	if len(req.Keys) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "keys is required"})
		return
	}
	client, err := app.provider.Client(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := client.DeleteKeys(ctx, bucket, req.Keys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(ctx, "batch deleted objects", "bucket", bucket, "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type notificationResponse struct {
	Bucket     string `json:"bucket"`
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

func (app *App) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	policies, err := app.policies.Load(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := notificationResponse{Bucket: bucket}
	if policy, ok := policies[bucket]; ok {
		resp.Enabled = policy.Enabled
		resp.WebhookURL = policy.WebhookURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (app *App) handlePutNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	var policy BucketPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("parse request body: %s", err)})
		return
	}
	if policy.Enabled && policy.WebhookURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "webhook_url is required when notifications are enabled"})
		return
	}
	if err := app.policies.Put(ctx, bucket, &policy); err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(ctx, "updated notification policy", "bucket", bucket, "enabled", policy.Enabled, "webhook_url", policy.WebhookURL)
	writeJSON(w, http.StatusOK, notificationResponse{
		Bucket:     bucket,
		Enabled:    policy.Enabled,
		WebhookURL: policy.WebhookURL,
	})
}

func (app *App) handleDeleteNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := mux.Vars(r)["bucket"]
	if err := app.policies.Delete(ctx, bucket); err != nil {
		writeError(w, r, err)
		return
	}
	slog.InfoContext(ctx, "removed notification policy", "bucket", bucket)
	w.WriteHeader(http.StatusNoContent)
}
