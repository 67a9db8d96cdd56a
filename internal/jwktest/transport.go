// Package jwktest provides JWKS test doubles: an http.RoundTripper serving
// canned, sequenced responses, RSA key fixtures and a controllable clock.
//
// Concurrency: Transport and Clock are safe for concurrent use.
package jwktest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTooManyRefreshAttempts is returned by Transport once every canned
// response has been consumed. In a correctly coalescing client it never
// surfaces.
var ErrTooManyRefreshAttempts = errors.New("too many calls on the JWKS endpoint")

// Response is one canned reply. Err simulates a transport failure; Gate, when
// set, holds the reply until the channel is closed so tests can keep a fetch
// in flight.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Err    error
	Gate   <-chan struct{}
	// OnServe runs when the response is picked, before Gate is awaited.
	OnServe func(*http.Request)
}

// JSON builds a 200 response carrying body and an optional Cache-Control value.
func JSON(body []byte, cacheControl string) Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if cacheControl != "" {
		h.Set("Cache-Control", cacheControl)
	}
	return Response{Status: http.StatusOK, Header: h, Body: body}
}

// Transport serves its responses in order, one per request.
type Transport struct {
	mu        sync.Mutex
	responses []Response
	overflow  []error

	calls         atomic.Int64
	inFlight      atomic.Int64
	maxConcurrent atomic.Int64
}

// NewTransport returns a Transport that will answer len(responses) requests.
func NewTransport(responses ...Response) *Transport {
	return &Transport{responses: responses}
}

// Push appends further canned responses.
func (t *Transport) Push(responses ...Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, responses...)
}

// Client wraps the transport in an *http.Client.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t, Timeout: 5 * time.Second}
}

// Calls returns how many requests reached the transport.
func (t *Transport) Calls() int { return int(t.calls.Load()) }

// MaxConcurrent returns the highest number of simultaneously open requests.
func (t *Transport) MaxConcurrent() int { return int(t.maxConcurrent.Load()) }

// Overflow returns the errors produced for requests beyond the canned set.
func (t *Transport) Overflow() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.overflow...)
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := t.calls.Add(1)
	cur := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		prev := t.maxConcurrent.Load()
		if cur <= prev || t.maxConcurrent.CompareAndSwap(prev, cur) {
			break
		}
	}

	t.mu.Lock()
	if int(n) > len(t.responses) {
		err := fmt.Errorf("%w: request %d to %s", ErrTooManyRefreshAttempts, n, req.URL)
		t.overflow = append(t.overflow, err)
		t.mu.Unlock()
		return nil, err
	}
	r := t.responses[n-1]
	t.mu.Unlock()

	if r.OnServe != nil {
		r.OnServe(req)
	}
	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}, nil
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
