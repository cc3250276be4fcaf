// Package httpexec runs HTTP requests and other short tasks on a small fixed
// worker pool and hands results back as Futures. Transport failures never
// surface as errors: they resolve as a Response with Status 0.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/gamesync/telemetry"
)

// DefaultWorkers is the pool size used when WithWorkers is not given.
const DefaultWorkers = 4

const defaultQueueSize = 64

// ErrShuttingDown is returned by Execute once Shutdown has begun.
var ErrShuttingDown = errors.New("executor shutting down")

// Request describes one HTTP call. Body is sent verbatim.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest returns a request with an empty header set.
func NewRequest(method, url string) Request {
	return Request{Method: method, URL: url, Header: make(http.Header)}
}

// WithJSON encodes v as the request body and sets Content-Type.
func (r Request) WithJSON(v any) (Request, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return r, fmt.Errorf("encode request body: %w", err)
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Body = b
	return r, nil
}

// Response is the outcome of a Request. Status 0 means the request never
// produced an HTTP response; Err then carries the transport error.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Err    error
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// DecodeJSON unmarshals the body into v.
func (r Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

type job struct {
	name    string
	run     func(ctx context.Context)
	abandon func()
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers sets the number of pool workers.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) Option { return func(e *Executor) { e.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.log = l } }

// WithName labels metrics, spans and logs for this executor.
func WithName(name string) Option { return func(e *Executor) { e.name = name } }

// Executor is a fixed-size worker pool for HTTP calls.
type Executor struct {
	name    string
	workers int
	client  *http.Client
	log     *slog.Logger

	jobs    chan job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	senders sync.WaitGroup

	mu      sync.RWMutex
	closing atomic.Bool
}

// New starts an executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		name:    "default",
		workers: DefaultWorkers,
	}
	for _, o := range opts {
		o(e)
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: 15 * time.Second}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With(slog.String("component", "httpexec"), slog.String("executor", e.name))
	e.jobs = make(chan job, defaultQueueSize)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Workers returns the pool size.
func (e *Executor) Workers() int { return e.workers }

// Name returns the executor label.
func (e *Executor) Name() string { return e.name }

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case j := <-e.jobs:
			if e.closing.Load() {
				j.abandon()
				continue
			}
			j.run(e.ctx)
		}
	}
}

// enqueue hands j to the pool without blocking the caller. It reports false
// once shutdown has started.
func (e *Executor) enqueue(j job) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closing.Load() {
		return false
	}
	select {
	case e.jobs <- j:
		return true
	default:
	}
	// Queue full: park the job on a sender goroutine so callers running on a
	// worker (continuations) can never deadlock the pool.
	e.senders.Add(1)
	go func() {
		defer e.senders.Done()
		select {
		case e.jobs <- j:
		case <-e.ctx.Done():
			j.abandon()
		}
	}()
	return true
}

// Submit runs fn on the pool. The task context is canceled when either ctx or
// the executor is done. A panic in fn is logged and resolves the zero value.
func Submit[T any](ctx context.Context, e *Executor, name string, fn func(context.Context) T) *Future[T] {
	f, resolve := NewPromise[T]()
	j := job{
		name: name,
		run: func(poolCtx context.Context) {
			tctx, cancel := context.WithCancel(ctx)
			stop := context.AfterFunc(poolCtx, cancel)
			defer func() {
				stop()
				cancel()
			}()
			resolve(runSafely(tctx, e, name, fn))
		},
		abandon: func() {
			var zero T
			resolve(zero)
		},
	}
	if !e.enqueue(j) {
		j.abandon()
	}
	return f
}

func runSafely[T any](ctx context.Context, e *Executor, name string, fn func(context.Context) T) (out T) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", slog.String("task", name), slog.Any("panic", r))
			telemetry.RecordTaskPanic(e.name)
			var zero T
			out = zero
		}
	}()
	if e.closing.Load() {
		return out
	}
	return fn(ctx)
}

// Do runs req on the pool.
func (e *Executor) Do(ctx context.Context, req Request) *Future[Response] {
	return Submit(ctx, e, req.Method+" "+req.URL, func(tctx context.Context) Response {
		return e.Execute(tctx, req)
	})
}

// Execute performs req on the calling goroutine. Pool tasks use it for
// multi-step work such as refresh-and-replay.
func (e *Executor) Execute(ctx context.Context, req Request) Response {
	if e.closing.Load() {
		return Response{Err: ErrShuttingDown}
	}
	ctx, span := telemetry.StartSpan(ctx, "httpexec", req.Method,
		telemetry.ExecutorAttr(e.name),
		telemetry.HTTPMethodAttr(req.Method),
		telemetry.HTTPURLAttr(redactURL(req.URL)),
	)
	defer span.End()

	start := time.Now()
	resp := e.roundTrip(ctx, req)
	telemetry.ObserveHTTP(e.name, resp.Status, time.Since(start))
	telemetry.FinishHTTPSpan(span, resp.Status, resp.Err, http.StatusInternalServerError)

	switch {
	case resp.Status == 0:
		e.log.Warn("http request failed", slog.String("method", req.Method), slog.String("url", redactURL(req.URL)), slog.Any("err", resp.Err))
	case resp.Status == http.StatusTooManyRequests:
		e.log.Warn("rate limited by remote", slog.String("method", req.Method), slog.String("url", redactURL(req.URL)), slog.String("retry_after", resp.Header.Get("Retry-After")))
	case resp.Status >= 400:
		e.log.Debug("http request returned error status", slog.String("method", req.Method), slog.String("url", redactURL(req.URL)), slog.Int("status", resp.Status))
	}
	return resp
}

func (e *Executor) roundTrip(ctx context.Context, req Request) Response {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	resp, err := e.client.Do(hr)
	if err != nil {
		return Response{Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			e.log.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Err: fmt.Errorf("read response body: %w", err)}
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: b}
}

// Shutdown stops accepting work, cancels in-flight tasks and resolves every
// queued future with its zero value. It returns ctx.Err() if workers did not
// stop in time.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	already := e.closing.Swap(true)
	e.mu.Unlock()
	if already {
		return nil
	}
	e.cancel()

	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.senders.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		select {
		case j := <-e.jobs:
			j.abandon()
		default:
			e.log.Debug("executor stopped")
			return nil
		}
	}
}

// redactURL drops the query string, which may carry user input.
func redactURL(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}
