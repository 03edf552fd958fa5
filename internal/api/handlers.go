package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sse-object-store/internal/audit"
	"github.com/kenneth/sse-object-store/internal/bucket"
	"github.com/kenneth/sse-object-store/internal/crypto"
	"github.com/kenneth/sse-object-store/internal/errs"
	"github.com/kenneth/sse-object-store/internal/metrics"
	"github.com/kenneth/sse-object-store/internal/object"
)

const (
	maxDeleteObjects    = 1000
	maxDeleteBodyBytes  = 2 << 20
	readinessProbeName  = "readiness-probe"
	defaultContentType  = "application/octet-stream"
	defaultMaxBodyBytes = 5 << 30
)

// Handler handles HTTP requests for bucket and object operations.
type Handler struct {
	registry      *bucket.Registry
	store         *object.Store
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	maxObjectSize int64
}

// NewHandler creates a new API handler. maxObjectSize bounds request bodies;
// zero selects a 5 GiB limit.
func NewHandler(registry *bucket.Registry, store *object.Store, logger *logrus.Logger, m *metrics.Metrics, maxObjectSize int64) *Handler {
	if maxObjectSize <= 0 {
		maxObjectSize = defaultMaxBodyBytes
	}
	return &Handler{
		registry:      registry,
		store:         store,
		logger:        logger,
		metrics:       m,
		maxObjectSize: maxObjectSize,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")

	s3Router := r.PathPrefix("/").Subrouter()
	s3Router.Use(h.requestIDMiddleware)

	// Batch operations must be registered before the generic bucket routes.
	s3Router.HandleFunc("/{bucket}", h.handleDeleteObjects).Methods("POST").Queries("delete", "")

	s3Router.HandleFunc("/{bucket}", h.handleCreateBucket).Methods("PUT")
	s3Router.HandleFunc("/{bucket}", h.handleHeadBucket).Methods("HEAD")
	s3Router.HandleFunc("/{bucket}", h.handleDeleteBucket).Methods("DELETE")

	s3Router.HandleFunc("/{bucket}/{key:.*}", h.handlePutObject).Methods("PUT")
	s3Router.HandleFunc("/{bucket}/{key:.*}", h.handleGetObject).Methods("GET")
	s3Router.HandleFunc("/{bucket}/{key:.*}", h.handleHeadObject).Methods("HEAD")
	s3Router.HandleFunc("/{bucket}/{key:.*}", h.handleDeleteObject).Methods("DELETE")
}

// requestIDMiddleware assigns every S3 request an id, echoed in
// x-amz-request-id and carried in the context for audit events.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := audit.RequestIDFromContext(r.Context())
		if id == "" {
			id = uuid.NewString()
			r = r.WithContext(audit.ContextWithRequestID(r.Context(), id))
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// writeError renders err and records the request.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, route string, err error, bucketName, key string, start time.Time) {
	s3Err := TranslateError(err, bucketName, key)
	s3Err.RequestID = audit.RequestIDFromContext(r.Context())
	s3Err.WriteXML(w, r)

	if s3Err.HTTPStatus == http.StatusInternalServerError && errs.KindOf(err) != errs.KindIntegrity {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"bucket":     bucketName,
			"key":        key,
			"request_id": s3Err.RequestID,
		}).Error("Request failed")
	}
	h.record(r, route, s3Err.HTTPStatus, start, 0)
}

func (h *Handler) writeS3Error(w http.ResponseWriter, r *http.Request, route string, s3Err *S3Error, start time.Time) {
	s3Err = s3Err.withRequest(r.URL.Path, audit.RequestIDFromContext(r.Context()))
	s3Err.WriteXML(w, r)
	h.record(r, route, s3Err.HTTPStatus, start, 0)
}

func (h *Handler) record(r *http.Request, route string, status int, start time.Time, bytes int64) {
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start), bytes)
	}
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	h.record(r, "/health", http.StatusOK, start, 0)
}

// handleReady reports whether the storage backend answers.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ready"}
	if _, err := h.registry.Exists(ctx, readinessProbeName); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "not ready"}
		h.logger.WithError(err).Warn("Readiness check failed")
	}
	writeJSON(w, status, body)
	h.record(r, "/ready", status, start, 0)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleCreateBucket handles PUT bucket requests.
func (h *Handler) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	const route = "/{bucket}"
	start := time.Now()
	name := mux.Vars(r)["bucket"]

	if err := h.registry.Create(r.Context(), name); err != nil {
		h.writeError(w, r, route, err, name, "", start)
		return
	}

	w.Header().Set("Location", "/"+name)
	w.WriteHeader(http.StatusOK)
	h.record(r, route, http.StatusOK, start, 0)
}

// handleHeadBucket handles HEAD bucket requests.
func (h *Handler) handleHeadBucket(w http.ResponseWriter, r *http.Request) {
	const route = "/{bucket}"
	start := time.Now()
	name := mux.Vars(r)["bucket"]

	ok, err := h.registry.Exists(r.Context(), name)
	if err == nil && !ok {
		err = errs.NoSuchBucket(name)
	}
	if err != nil {
		h.writeError(w, r, route, err, name, "", start)
		return
	}

	w.WriteHeader(http.StatusOK)
	h.record(r, route, http.StatusOK, start, 0)
}

// handleDeleteBucket handles DELETE bucket requests.
func (h *Handler) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	const route = "/{bucket}"
	start := time.Now()
	name := mux.Vars(r)["bucket"]

	if err := h.registry.Delete(r.Context(), name); err != nil {
		h.writeError(w, r, route, err, name, "", start)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.record(r, route, http.StatusNoContent, start, 0)
}

// handlePutObject handles PUT object requests.
func (h *Handler) handlePutObject(w http.ResponseWriter, r *http.Request) {
	const route = "/{bucket}/{key}"
	start := time.Now()
	vars := mux.Vars(r)
	bucketName, key := vars["bucket"], vars["key"]

	h.logger.WithFields(logrus.Fields{
		"bucket": bucketName,
		"key":    key,
	}).Debug("Starting PUT object")

	params, ok := parseEncryptionParams(r.Header)
	if !ok {
		h.writeS3Error(w, r, route, ErrInvalidEncryptionHeader, start)
		return
	}
	defer crypto.ZeroBytes(params.CustomerKey)

	if r.ContentLength > h.maxObjectSize {
		h.writeS3Error(w, r, route, ErrEntityTooLarge, start)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxObjectSize+1))
	if err != nil {
		h.writeError(w, r, route, errs.Validation(errs.CodeInvalidArgument, "failed to read request body"), bucketName, key, start)
		return
	}
	if int64(len(body)) > h.maxObjectSize {
		h.writeS3Error(w, r, route, ErrEntityTooLarge, start)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	res, err := h.store.Put(r.Context(), object.PutInput{
		Bucket:      bucketName,
		Key:         key,
		Body:        body,
		ContentType: contentType,
		Metadata:    extractMetadata(r.Header),
		Encryption:  params,
	})
	if err != nil {
		h.writeError(w, r, route, err, bucketName, key, start)
		return
	}

	w.Header().Set("ETag", strconv.Quote(res.ETag))
	writeEncryptionHeaders(w, putEcho(res))
	w.WriteHeader(http.StatusOK)
	h.record(r, route, http.StatusOK, start, int64(len(body)))
}

// handleGetObject handles GET object requests.
func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request) {
	const route = "/{bucket}/{key}"
	start := time.Now()
	vars := mux.Vars(r)
	bucketName, key := vars["bucket"], vars["key"]

	params, ok := parseEncryptionParams(r.Header)
	if !ok {
		h.writeS3Error(w, r, route, ErrInvalidEncryptionHeader, start)
		return
	}
	defer crypto.ZeroBytes(params.CustomerKey)

	obj, err := h.store.Get(r.Context(), bucketName, key, params)
	if err != nil {
		h.writeError(w, r, route, err, bucketName, key, start)
		return
	}

	writeObjectHeaders(w, &obj.ObjectInfo)
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(obj.Body)
	h.record(r, route, http.StatusOK, start, int64(n))
}

// handleHeadObject handles HEAD object requests.
func (h *Handler) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	const route = "/{bucket}/{key}"
	start := time.Now()
	vars := mux.Vars(r)
	bucketName, key := vars["bucket"], vars["key"]

	params, ok := parseEncryptionParams(r.Header)
	if !ok {
		h.writeS3Error(w, r, route, ErrInvalidEncryptionHeader, start)
		return
	}
	defer crypto.ZeroBytes(params.CustomerKey)

	info, err := h.store.Head(r.Context(), bucketName, key, params)
	if err != nil {
		h.writeError(w, r, route, err, bucketName, key, start)
		return
	}

	writeObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	h.record(r, route, http.StatusOK, start, 0)
}

func writeObjectHeaders(w http.ResponseWriter, info *object.ObjectInfo) {
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("ETag", strconv.Quote(info.ETag))
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	for k, v := range info.Metadata {
		w.Header().Set(metaPrefix+k, v)
	}
	writeEncryptionHeaders(w, infoEcho(info))
}

// handleDeleteObject handles DELETE object requests. Deleting a missing key
// succeeds.
func (h *Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	const route = "/{bucket}/{key}"
	start := time.Now()
	vars := mux.Vars(r)
	bucketName, key := vars["bucket"], vars["key"]

	err := h.store.DeleteObject(r.Context(), bucketName, key)
	if err != nil && !errs.Is(err, errs.CodeNoSuchKey) {
		h.writeError(w, r, route, err, bucketName, key, start)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.record(r, route, http.StatusNoContent, start, 0)
}

type deleteRequest struct {
	XMLName xml.Name `xml:"Delete"`
	Objects []struct {
		Key string `xml:"Key"`
	} `xml:"Object"`
	Quiet bool `xml:"Quiet,omitempty"`
}

type deletedObject struct {
	Key string `xml:"Key"`
}

type deleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type deleteResult struct {
	XMLName xml.Name        `xml:"DeleteResult"`
	Deleted []deletedObject `xml:"Deleted"`
	Errors  []deleteError   `xml:"Error"`
}

// handleDeleteObjects handles POST ?delete batch requests. Each key succeeds
// or fails on its own; a missing key is reported as a NoSuchKey error entry.
func (h *Handler) handleDeleteObjects(w http.ResponseWriter, r *http.Request) {
	const route = "/{bucket}?delete"
	start := time.Now()
	bucketName := mux.Vars(r)["bucket"]

	var req deleteRequest
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxDeleteBodyBytes)).Decode(&req); err != nil {
		h.writeS3Error(w, r, route, ErrMalformedXML, start)
		return
	}
	if len(req.Objects) == 0 || len(req.Objects) > maxDeleteObjects {
		h.writeS3Error(w, r, route, ErrMalformedXML, start)
		return
	}

	keys := make([]string, len(req.Objects))
	for i, o := range req.Objects {
		keys[i] = o.Key
	}

	results, err := h.store.DeleteObjects(r.Context(), bucketName, keys)
	if err != nil {
		h.writeError(w, r, route, err, bucketName, "", start)
		return
	}

	var out deleteResult
	for _, res := range results {
		if res.Err == nil {
			if !req.Quiet {
				out.Deleted = append(out.Deleted, deletedObject{Key: res.Key})
			}
			continue
		}
		s3Err := TranslateError(res.Err, bucketName, res.Key)
		out.Errors = append(out.Errors, deleteError{Key: res.Key, Code: s3Err.Code, Message: s3Err.Message})
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(out)
	h.record(r, route, http.StatusOK, start, 0)
}
