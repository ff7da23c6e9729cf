// Package validate implements request validation and security-header
// injection for the edge of the service.
//
// The validator is fail-closed: its own internal errors reject the request
// with a generic 400 — the opposite disposition of the rate limiter, which
// fails open. Pattern matches are never disclosed to the client; the matched
// family goes to the structured log only.
package validate

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/hivemind-ai/hivemind/internal/config"
)

// allowedContentTypes lists the media types request bodies may carry.
var allowedContentTypes = map[string]bool{
	"application/json":                  true,
	"application/x-www-form-urlencoded": true,
	"multipart/form-data":               true,
	"text/plain":                        true,
	"audio/wav":                         true,
	"audio/mpeg":                        true,
}

// Validator applies size/shape checks and the injection pattern families to
// inbound requests. Immutable after construction; safe for concurrent use.
type Validator struct {
	cfg config.ValidationConfig
}

// New creates a Validator with the given tunables.
func New(cfg config.ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Middleware wraps next with request validation. Rejections use 400 for
// shape and pattern failures, 413 for oversize payloads, and 415 for
// unsupported media types.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, ok := v.check(r); !ok {
			reject(w, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// check runs every validation gate in order. It returns the HTTP status to
// reject with, or ok=true to admit. JSON bodies are consumed, scanned, and
// restored for the downstream handler.
func (v *Validator) check(r *http.Request) (int, bool) {
	// Size and shape gates.
	if r.ContentLength > v.cfg.MaxRequestBytes {
		return http.StatusRequestEntityTooLarge, false
	}
	if len(r.Header) > v.cfg.MaxHeaderCount {
		return http.StatusBadRequest, false
	}
	for name, values := range r.Header {
		size := len(name)
		for _, val := range values {
			size += len(val)
		}
		if size > v.cfg.MaxHeaderBytes {
			return http.StatusBadRequest, false
		}
	}

	query := r.URL.Query()
	if len(query) > v.cfg.MaxQueryParams {
		return http.StatusBadRequest, false
	}

	// Blocked user agents.
	ua := strings.ToLower(r.UserAgent())
	for _, blocked := range v.cfg.BlockedUserAgents {
		if blocked != "" && strings.Contains(ua, strings.ToLower(blocked)) {
			slog.Info("blocked user agent rejected", "ua", r.UserAgent())
			return http.StatusBadRequest, false
		}
	}

	// Content type.
	ct := r.Header.Get("Content-Type")
	if ct != "" && r.ContentLength != 0 {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !allowedContentTypes[mediaType] {
			return http.StatusUnsupportedMediaType, false
		}
	}

	// Pattern families over query params (keys and values).
	for key, values := range query {
		if fam := matchFamily(key); fam != "" {
			logMatch(r, "query key", fam)
			return http.StatusBadRequest, false
		}
		for _, val := range values {
			if fam := matchFamily(val); fam != "" {
				logMatch(r, "query value", fam)
				return http.StatusBadRequest, false
			}
		}
	}

	// Pattern families over JSON bodies, recursively.
	if strings.HasPrefix(ct, "application/json") && r.Body != nil && r.ContentLength != 0 {
		body, status := v.readBody(r)
		if status != 0 {
			return status, false
		}

		var doc any
		if err := json.Unmarshal(body, &doc); err != nil {
			return http.StatusBadRequest, false
		}
		if fam := scanJSON(doc); fam != "" {
			logMatch(r, "json body", fam)
			return http.StatusBadRequest, false
		}
	}

	// Pattern families over form bodies: every key and value is scanned the
	// same way query parameters are.
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") && r.Body != nil && r.ContentLength != 0 {
		body, status := v.readBody(r)
		if status != 0 {
			return status, false
		}

		form, err := url.ParseQuery(string(body))
		if err != nil {
			return http.StatusBadRequest, false
		}
		for key, values := range form {
			if fam := matchFamily(key); fam != "" {
				logMatch(r, "form key", fam)
				return http.StatusBadRequest, false
			}
			for _, val := range values {
				if fam := matchFamily(val); fam != "" {
					logMatch(r, "form value", fam)
					return http.StatusBadRequest, false
				}
			}
		}
	}

	return 0, true
}

// readBody consumes the request body up to the configured cap and restores
// it for the downstream handler. A non-zero status means reject.
func (v *Validator) readBody(r *http.Request) ([]byte, int) {
	body, err := io.ReadAll(io.LimitReader(r.Body, v.cfg.MaxJSONBytes+1))
	if err != nil {
		// Fail closed on our own read errors.
		return nil, http.StatusBadRequest
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if int64(len(body)) > v.cfg.MaxJSONBytes {
		return nil, http.StatusRequestEntityTooLarge
	}
	return body, 0
}

// scanJSON walks doc recursively and applies the pattern families to every
// object key and string leaf. Returns the first matching family, or "".
func scanJSON(doc any) string {
	switch val := doc.(type) {
	case string:
		return matchFamily(val)
	case map[string]any:
		for k, child := range val {
			if fam := matchFamily(k); fam != "" {
				return fam
			}
			if fam := scanJSON(child); fam != "" {
				return fam
			}
		}
	case []any:
		for _, child := range val {
			if fam := scanJSON(child); fam != "" {
				return fam
			}
		}
	}
	return ""
}

// reject writes the generic rejection body. Pattern details never reach the
// client.
func reject(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid input detected"})
}

func logMatch(r *http.Request, where, family string) {
	slog.Warn("request rejected by input validation",
		"path", r.URL.Path,
		"where", where,
		"family", family,
	)
}
