// Package loopback runs the short-lived localhost HTTP listener that receives
// OAuth redirects. It binds 127.0.0.1 only, accepts any number of concurrent
// connections, and delivers at most one token to its owner.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Callback is what the browser (or auth proxy) sent to the listener.
type Callback struct {
	Token        string
	RefreshToken string
	State        string
	Query        url.Values
}

// Option configures a Listener.
type Option func(*Listener)

// WithFragmentRelay serves a page on bare GET / that copies access_token from
// the URL fragment into a ?token= request. Implicit-grant providers return the
// token in the fragment, which never reaches the server.
func WithFragmentRelay() Option { return func(l *Listener) { l.relay = true } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(l *Listener) { l.log = log } }

// WithTitle sets the title shown on pages served to the browser.
func WithTitle(title string) Option { return func(l *Listener) { l.title = title } }

// Listener is one bound callback server.
type Listener struct {
	ln     net.Listener
	srv    *http.Server
	log    *slog.Logger
	relay  bool
	title  string
	cb     chan Callback
	sent   atomic.Bool
	closed atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Listen binds 127.0.0.1:port and starts serving. Port 0 picks a free port.
func Listen(port int, opts ...Option) (*Listener, error) {
	l := &Listener{
		cb:    make(chan Callback, 1),
		conns: make(map[net.Conn]struct{}),
		title: "gamesync",
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With(slog.String("component", "loopback"))

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	l.ln = ln
	l.srv = &http.Server{
		Handler:           http.HandlerFunc(l.serve),
		ReadHeaderTimeout: 5 * time.Second,
		ConnState:         l.trackConn,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Warn("callback listener stopped", slog.Any("err", err))
		}
	}()
	l.log.Debug("callback listener started", slog.String("addr", ln.Addr().String()))
	return l, nil
}

// Port returns the bound port.
func (l *Listener) Port() int { return l.ln.Addr().(*net.TCPAddr).Port }

// Addr returns the bound address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Callbacks delivers the first request that carried a token.
func (l *Listener) Callbacks() <-chan Callback { return l.cb }

// ActiveConnections returns the number of open client connections.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) trackConn(c net.Conn, state http.ConnState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch state {
	case http.StateNew:
		l.conns[c] = struct{}{}
	case http.StateClosed, http.StateHijacked:
		delete(l.conns, c)
	}
}

// Shutdown lets in-flight responses finish, then closes every connection and
// frees the port.
func (l *Listener) Shutdown(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.srv.Shutdown(ctx)
	if err != nil {
		_ = l.srv.Close()
	}
	l.closeConns()
	return err
}

// Close closes the listener and every connection immediately.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.srv.Close()
	l.closeConns()
	return err
}

func (l *Listener) closeConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		_ = c.Close()
		delete(l.conns, c)
	}
}

func (l *Listener) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		if l.relay {
			writeHTML(w, http.StatusOK, relayPage(l.title))
			return
		}
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	writeHTML(w, http.StatusOK, closePage(l.title))
	if l.sent.CompareAndSwap(false, true) {
		l.cb <- Callback{Token: token, RefreshToken: q.Get("refresh_token"), State: q.Get("state"), Query: q}
		l.log.Debug("token received on callback listener")
		return
	}
	l.log.Debug("ignoring repeated token callback")
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
