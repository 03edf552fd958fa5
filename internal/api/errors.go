package api

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/sse-object-store/internal/errs"
)

// S3Error represents an S3 API error response.
type S3Error struct {
	Code       string
	Message    string
	Resource   string
	RequestID  string
	HTTPStatus int
}

// Error implements the error interface.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3 Error: %s - %s", e.Code, e.Message)
}

// WriteXML writes the S3 error response in XML format. HEAD responses carry
// no body, so only the status and the error code header are written.
func (e *S3Error) WriteXML(w http.ResponseWriter, r *http.Request) {
	if e.RequestID != "" {
		w.Header().Set(headerRequestID, e.RequestID)
	}
	w.Header().Set("x-amz-error-code", e.Code)
	if r != nil && r.Method == http.MethodHead {
		w.WriteHeader(e.HTTPStatus)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.HTTPStatus)

	// S3 Error Response structure
	type ErrorResponse struct {
		XMLName   xml.Name `xml:"Error"`
		Code      string   `xml:"Code"`
		Message   string   `xml:"Message"`
		Resource  string   `xml:"Resource,omitempty"`
		RequestID string   `xml:"RequestId,omitempty"`
	}

	response := ErrorResponse{
		Code:      e.Code,
		Message:   e.Message,
		Resource:  e.Resource,
		RequestID: e.RequestID,
	}

	xmlData, err := xml.MarshalIndent(response, "", "  ")
	if err != nil {
		// Fallback to plain text if XML marshaling fails
		http.Error(w, e.Message, e.HTTPStatus)
		return
	}

	w.Write([]byte(xml.Header))
	w.Write(xmlData)
}

// TranslateError converts store and registry errors to S3 errors. Internal
// causes are never echoed to the client.
func TranslateError(err error, bucket, key string) *S3Error {
	if err == nil {
		return nil
	}

	resource := ""
	if bucket != "" {
		if key != "" {
			resource = fmt.Sprintf("/%s/%s", bucket, key)
		} else {
			resource = fmt.Sprintf("/%s", bucket)
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &S3Error{
			Code:       "RequestTimeout",
			Message:    "The request did not complete in time.",
			Resource:   resource,
			HTTPStatus: http.StatusServiceUnavailable,
		}
	case errors.Is(err, context.Canceled):
		return &S3Error{
			Code:       "RequestCanceled",
			Message:    "The request was canceled.",
			Resource:   resource,
			HTTPStatus: statusClientClosedRequest,
		}
	}

	e, ok := errs.As(err)
	if !ok || e.Kind == errs.KindInternal {
		return &S3Error{
			Code:       errs.CodeInternalError,
			Message:    "We encountered an internal error. Please try again.",
			Resource:   resource,
			HTTPStatus: http.StatusInternalServerError,
		}
	}

	message := e.Message
	if e.Kind == errs.KindIntegrity {
		message = "The stored object failed integrity verification."
	}
	return &S3Error{
		Code:       e.Code,
		Message:    message,
		Resource:   resource,
		HTTPStatus: e.HTTPStatus(),
	}
}

// statusClientClosedRequest is reported when the caller went away.
const statusClientClosedRequest = 499

// Predefined S3 errors
var (
	ErrMalformedXML = &S3Error{
		Code:       "MalformedXML",
		Message:    "The XML you provided was not well-formed or did not validate against our published schema",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidEncryptionHeader = &S3Error{
		Code:       errs.CodeInvalidArgument,
		Message:    "The customer key header is not valid base64.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrEntityTooLarge = &S3Error{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed object size.",
		HTTPStatus: http.StatusBadRequest,
	}
)

// withRequest returns a copy of e bound to one request.
func (e *S3Error) withRequest(resource, requestID string) *S3Error {
	c := *e
	c.Resource = resource
	c.RequestID = requestID
	return &c
}
