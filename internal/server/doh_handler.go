package server

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"time"
)

// dohContentType is the wire-format media type required by RFC 8484 for
// both the POST request body and every response this handler writes.
const dohContentType = "application/dns-message"

// maxDoHMessageSize bounds a GET request's decoded "dns" parameter and a
// POST request's body the same way the UDP/TCP listeners bound incoming
// messages, so a malicious client can't force an unbounded base64 decode
// or body read.
const maxDoHMessageSize = 65535

// DoHHandler implements the RFC 8484 DNS-over-HTTPS inbound surface:
// GET with a base64url "dns" query parameter, or POST with an
// application/dns-message body. Both forms delegate resolution to the
// same QueryHandler the UDP and TCP listeners use, so cache, routing,
// and upstream behavior are identical regardless of transport.
type DoHHandler struct {
	Handler *QueryHandler
}

func (h *DoHHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var reqBytes []byte
	var err error

	switch r.Method {
	case http.MethodGet:
		reqBytes, err = decodeDoHGet(r)
	case http.MethodPost:
		reqBytes, err = decodeDoHPost(r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	src := hostOnly(r.RemoteAddr)
	res := h.Handler.Handle(r.Context(), "doh", src, reqBytes)
	if len(res.ResponseBytes) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", dohContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.ResponseBytes)
}

func decodeDoHGet(r *http.Request) ([]byte, error) {
	encoded := r.URL.Query().Get("dns")
	if encoded == "" {
		return nil, errMissingDNSParam
	}
	if len(encoded) > base64.RawURLEncoding.EncodedLen(maxDoHMessageSize) {
		return nil, errMessageTooLarge
	}
	return base64.RawURLEncoding.DecodeString(encoded)
}

func decodeDoHPost(r *http.Request) ([]byte, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != dohContentType {
		return nil, errUnsupportedContentType
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDoHMessageSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxDoHMessageSize {
		return nil, errMessageTooLarge
	}
	return body, nil
}

// hostOnly strips a ":port" suffix from a RemoteAddr, tolerating an
// address with none (as net/http/httptest connections sometimes have).
func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// NewDoHServer builds an *http.Server exposing the RFC 8484 DoH endpoint
// at /dns-query, backed by the same QueryHandler the wire-protocol
// listeners use. It is the caller's responsibility to Shutdown(ctx) it on
// process exit.
func NewDoHServer(addr string, h *QueryHandler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/dns-query", &DoHHandler{Handler: h})
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

var (
	errMissingDNSParam        = dohError("missing dns query parameter")
	errMessageTooLarge        = dohError("dns message exceeds maximum size")
	errUnsupportedContentType = dohError("unsupported content-type, expected application/dns-message")
)

type dohError string

func (e dohError) Error() string { return string(e) }

// runDoHServer runs srv until ctx is cancelled, then shuts it down within
// a bounded grace period. Mirrors the shutdown pattern Stop uses on the
// UDP/TCP listeners so all three transports drain the same way.
func runDoHServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
