// Package api is the request pipeline every HTTP call goes through.
//
// Outbound requests are decorated with the current bearer token (never for
// authentication endpoints). A 401 on an eligible request hands off to a
// Recoverer and, when it yields a fresh token, the request is sent exactly
// once more. Successful responses are decoded straight into the caller's
// value.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/google/uuid"
)

var authPath = regexp.MustCompile(`^/api/auth(/|$)`)

// IsAuthEndpoint reports whether path is an authentication endpoint. Such
// requests never carry an Authorization header and never trigger recovery.
func IsAuthEndpoint(path string) bool {
	return authPath.MatchString(path)
}

// Request is an immutable description of one HTTP call. The same value is
// reused verbatim for the single retry after a refresh.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	// ID is sent as X-Request-ID and stays the same across the retry.
	ID string
}

// NewRequest builds a Request, JSON-encoding body when it is non-nil.
func NewRequest(method, path string, body any) (Request, error) {
	req := Request{Method: method, Path: path, ID: uuid.NewString()}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		req.Body = raw
	}
	return req, nil
}

// WithQuery returns a copy of r with q attached.
func (r Request) WithQuery(q url.Values) Request {
	r.Query = q
	return r
}

// WithHeader returns a copy of r with key set to value. r's own header map is
// left untouched.
func (r Request) WithHeader(key, value string) Request {
	h := make(http.Header, len(r.Header)+1)
	for k, v := range r.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Set(key, value)
	r.Header = h
	return r
}
