// Package subdomain routes wildcard-host requests of the form
// {sessionID}-svc-{serviceID}.example.com into the session's sandbox, so
// services running inside a sandbox are reachable from a browser without any
// port mapping. Requests whose host does not match fall through to the
// regular API handler.
package subdomain

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/store"
)

// hostPattern extracts the session ID (a 26-char ULID) and service ID from
// the leftmost DNS label.
var hostPattern = regexp.MustCompile(`^([0-9A-Za-z]{26})-svc-([a-zA-Z0-9_.-]+)\.`)

// Handler dispatches on the Host header: sandbox service hosts are proxied,
// everything else goes to next.
type Handler struct {
	store    *store.Store
	provider sandbox.Provider
	base     string
	next     http.Handler
	logger   *logger.Logger
}

// New creates the subdomain Handler wrapping next. A non-empty base anchors
// service hosts to that domain ({sessionID}-svc-{serviceID}.<base>); an empty
// base accepts any domain whose leftmost label matches.
func New(st *store.Store, provider sandbox.Provider, base string, next http.Handler, log *logger.Logger) *Handler {
	return &Handler{
		store:    st,
		provider: provider,
		base:     strings.Trim(base, "."),
		next:     next,
		logger:   log.WithFields(zap.String("component", "gateway.subdomain")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	m := hostPattern.FindStringSubmatch(host)
	if m == nil {
		h.next.ServeHTTP(w, r)
		return
	}
	if h.base != "" {
		rest := strings.TrimSuffix(host[len(m[0]):], ".")
		if !strings.EqualFold(rest, h.base) {
			h.next.ServeHTTP(w, r)
			return
		}
	}
	h.proxy(w, r, m[1], m[2])
}

func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, sessionID, serviceID string) {
	ctx := r.Context()

	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.Status != model.SessionRunning {
		http.Error(w, "session not running", http.StatusNotFound)
		return
	}

	path := "/services/" + serviceID + "/http" + r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, path, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Header = r.Header.Clone()
	// Control plane credentials never cross the sandbox boundary.
	req.Header.Del("Authorization")
	req.Header.Del("Cookie")
	req.Header.Del("X-Discobot-Credentials")
	req.Header.Set("X-Forwarded-Path", r.URL.Path)
	req.Header.Set("X-Forwarded-Host", r.Host)
	req.Header.Set("X-Forwarded-For", clientIP(r))
	req.Header.Set("X-Forwarded-Proto", forwardedProto(r))
	req.ContentLength = r.ContentLength

	resp, err := h.provider.HTTPProxy(ctx, sessionID, req)
	if err != nil {
		h.logger.WithError(err).Warn("service proxy failed",
			zap.String("session_id", sessionID),
			zap.String("service_id", serviceID))
		http.Error(w, "service unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	h.copyBody(ctx, w, resp.Body)
}

// copyBody streams the upstream body with per-read flushes so SSE and other
// incremental responses are not buffered.
func (h *Handler) copyBody(ctx context.Context, w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				h.logger.WithError(err).Debug("service proxy stream ended")
			}
			return
		}
	}
}

func clientIP(r *http.Request) string {
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		return prior
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func forwardedProto(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
