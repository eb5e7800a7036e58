// Package httputil provides response and request helpers shared by all
// feature handlers.
package httputil

import (
	"encoding/json"
	"net/http"
)

// Content types the server must honor exactly. ContentTypePlain stays
// parameter-free because the descriptor-file contract is the bare type.
const (
	ContentTypeGzip  = "application/gzip"
	ContentTypePlain = "text/plain"
	ContentTypeHTML  = "text/html; charset=utf-8"
	ContentTypeRSS   = "application/rss+xml"
	ContentTypeJSON  = "application/json"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WritePlain writes a plain-text response with the given status.
func WritePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", ContentTypePlain)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// WriteBytes writes a raw body under an explicit content type.
func WriteBytes(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// DecodeJSON decodes the request body into v. On failure it writes a 400
// response and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "invalid request body")
		return false
	}
	return true
}

// BadRequest writes a 400 plain-text response.
func BadRequest(w http.ResponseWriter, msg string) {
	WritePlain(w, http.StatusBadRequest, msg)
}

// NotFound writes a 404 plain-text response.
func NotFound(w http.ResponseWriter, msg string) {
	WritePlain(w, http.StatusNotFound, msg)
}

// Conflict writes a 409 plain-text response.
func Conflict(w http.ResponseWriter, msg string) {
	WritePlain(w, http.StatusConflict, msg)
}

// InternalError writes a 500 plain-text response.
func InternalError(w http.ResponseWriter, msg string) {
	WritePlain(w, http.StatusInternalServerError, msg)
}

// Unauthorized writes a 401 response requesting basic credentials.
func Unauthorized(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	WritePlain(w, http.StatusUnauthorized, "authentication required")
}
