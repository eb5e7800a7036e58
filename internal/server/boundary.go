package server

import (
	"net/http"
	"strings"

	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/feature"
	"github.com/atwupack/hackage-server/internal/httputil"
)

// plainTextRenderer is the built-in fallback error renderer. It is always
// available even when no feature supplies a richer one.
var plainTextRenderer = feature.ErrorRenderer{
	ContentType: "text/plain",
	Render: func(w http.ResponseWriter, status int, msg string) {
		httputil.WritePlain(w, status, msg)
	},
}

// errorBoundary catches any handler failure not produced as a typed
// error and renders a generic error page instead of terminating the
// process.
func (s *Server) errorBoundary(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithFields(map[string]any{
					"path":  r.URL.Path,
					"panic": rec,
				}).Error("handler panicked")
				s.renderError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// renderError renders an error response through the renderer precedence
// list: the built-in plain-text fallback first, then feature-declared
// renderers in reverse registration order. The first renderer whose
// content type appears in the request's Accept header wins; a request
// that accepts nothing specific gets plain text.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	accept := r.Header.Get("Accept")
	for _, renderer := range s.errorRenderers() {
		if acceptsType(accept, renderer.ContentType) {
			renderer.Render(w, status, msg)
			return
		}
	}
	plainTextRenderer.Render(w, status, msg)
}

// RenderTypedError maps a component error onto a status code and renders
// it. Handlers use this for typed validation, not-found, conflict and
// storage errors.
func (s *Server) RenderTypedError(w http.ResponseWriter, r *http.Request, err error) {
	s.renderError(w, r, errs.HTTPStatus(err), errs.Message(err))
}

// errorRenderers returns the precedence list: fallback first, then
// feature renderers in reverse registration order, deduplicated by
// content type so two features registering the same type behave
// deterministically (the later registration wins).
func (s *Server) errorRenderers() []feature.ErrorRenderer {
	out := []feature.ErrorRenderer{plainTextRenderer}
	seen := map[string]bool{plainTextRenderer.ContentType: true}
	for i := len(s.renderers) - 1; i >= 0; i-- {
		rd := s.renderers[i]
		if seen[rd.ContentType] {
			continue
		}
		seen[rd.ContentType] = true
		out = append(out, rd)
	}
	return out
}

// acceptsType reports whether an Accept header admits the content type.
// An empty Accept header admits anything; a */* wildcard does not force a
// specific renderer, letting the plain-text fallback win.
func acceptsType(accept, contentType string) bool {
	if accept == "" {
		return contentType == "text/plain"
	}
	for _, part := range strings.Split(accept, ",") {
		media := strings.TrimSpace(part)
		if i := strings.IndexByte(media, ';'); i >= 0 {
			media = strings.TrimSpace(media[:i])
		}
		if media == contentType {
			return true
		}
		if media == "*/*" && contentType == "text/plain" {
			return true
		}
	}
	return false
}
