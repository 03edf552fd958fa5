package middleware

import (
	"encoding/xml"
	"net/http"
)

// writeS3Error writes an S3-style XML error. Middleware runs outside the API
// router, so it renders its own minimal error body.
func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("x-amz-error-code", code)
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	type errorResponse struct {
		XMLName  xml.Name `xml:"Error"`
		Code     string   `xml:"Code"`
		Message  string   `xml:"Message"`
		Resource string   `xml:"Resource,omitempty"`
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(errorResponse{Code: code, Message: message, Resource: r.URL.Path})
}
