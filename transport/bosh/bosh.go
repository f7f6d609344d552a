/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package bosh implements the BOSH (XEP-0124/0206) long-polling HTTP
// transport: request/response pairing keyed by rid, hold/wait window
// management, retry with circuit breaking, and session attach/restore.
package bosh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/net/publicsuffix"

	"github.com/xmppgo/xmppcore/internal/xlog"
	"github.com/xmppgo/xmppcore/stanza"
	"github.com/xmppgo/xmppcore/transport"
)

const httpbindNamespace = "http://jabber.org/protocol/httpbind"
const xbosNamespace = "urn:xmpp:xbosh"

// CookieSpec is one entry of the cookies option: name -> {value,
// domain, path, expires}.
type CookieSpec struct {
	Value   string
	Domain  string
	Path    string
	Expires time.Time
}

// Config configures a BOSH Transport. Wait/Hold are the XEP-0124
// long-poll window parameters; the rest mirrors the connection
// options (customHeaders, withCredentials, contentType, cookies,
// sync).
type Config struct {
	Wait            int
	Hold            int
	MaxRetries      int
	Sync            bool
	ContentType     string
	CustomHeaders   http.Header
	Cookies         map[string]CookieSpec
	WithCredentials bool

	// NextValidRID, if set, is invoked with the next-to-send rid every
	// time it advances.
	NextValidRID func(rid uint64)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Wait == 0 {
		out.Wait = 60
	}
	if out.Hold == 0 {
		out.Hold = 1
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 5
	}
	if len(out.ContentType) == 0 {
		out.ContentType = "text/xml; charset=utf-8"
	}
	return out
}

// httpStatusError carries the HTTP status code of a failed round trip
// so execute can route it through the sink's protocol error handler
// table once retries are exhausted.
type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("bosh: http status %d", e.code) }

// request is one BOSH request pair: a monotonic id, the body to send,
// its serialized cached form, the rid it carries, how many times it
// has been sent, when it was last sent, whether it has been aborted,
// and the dead-declaration timestamp once it is given up on.
type request struct {
	id       uint64
	body     *stanza.Element
	cached   string
	rid      uint64
	sends    int
	date     time.Time
	abort    bool
	dead     time.Time
	callback func(respBody string, err error)
}

// Transport implements transport.Transport over BOSH.
type Transport struct {
	serviceURL string
	domain     string
	cfg        Config
	sink       transport.Sink
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker

	mu          sync.Mutex
	rid         uint64
	sid         string
	inFlight    []*request
	queue       []*stanza.Element
	restartNext bool
	nextReqID   uint64
	retries     int
	streamEnded bool
}

var _ transport.Transport = (*Transport)(nil)

// New constructs a BOSH transport against serviceURL (the HTTP bind
// endpoint) for the given domain. sink receives callbacks as responses
// arrive; it is a borrowed reference and must outlive the Transport.
func New(serviceURL, domain string, cfg Config, sink transport.Sink) (*Transport, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "bosh: failed to create cookie jar")
	}
	full := cfg.withDefaults()
	seedCookieJar(jar, serviceURL, full.Cookies)

	t := &Transport{
		serviceURL: serviceURL,
		domain:     domain,
		cfg:        full,
		sink:       sink,
		httpClient: &http.Client{Jar: jar, Timeout: time.Duration(full.Wait+10) * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "bosh-" + domain,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(full.MaxRetries)
			},
		}),
		rid: initialRID(),
	}
	return t, nil
}

func seedCookieJar(jar *cookiejar.Jar, serviceURL string, cookies map[string]CookieSpec) {
	if len(cookies) == 0 {
		return
	}
	u, err := url.Parse(serviceURL)
	if err != nil {
		return
	}
	var httpCookies []*http.Cookie
	for name, c := range cookies {
		httpCookies = append(httpCookies, &http.Cookie{
			Name: name, Value: c.Value, Domain: c.Domain, Path: c.Path, Expires: c.Expires,
		})
	}
	jar.SetCookies(u, httpCookies)
}

func initialRID() uint64 {
	// Seed rid from a random uuid so concurrently-started connections
	// don't collide; the first 8 bytes are reduced into the nine-digit
	// range [100000000, 1000000000), the magnitude real BOSH clients use.
	id := uuid.NewRandom()
	var seed uint64
	for _, b := range id[:8] {
		seed = seed<<8 | uint64(b)
	}
	return (seed % 900000000) + 100000000
}

// Type implements transport.Transport.
func (t *Transport) Type() transport.Type { return transport.BOSH }

// Connect sends the XEP-0124 session-creation request.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	body := stanza.NewElementNamespace("body", httpbindNamespace)
	body.SetAttribute("xmlns:xmpp", xbosNamespace)
	body.SetAttribute("content", t.cfg.ContentType)
	body.SetAttribute("hold", fmt.Sprintf("%d", t.cfg.Hold))
	body.SetAttribute("wait", fmt.Sprintf("%d", t.cfg.Wait))
	body.SetAttribute("to", t.domain)
	body.SetAttribute("xml:lang", "en")
	body.SetAttribute("ver", "1.6")
	body.SetAttribute("xmpp:version", "1.0")
	body.SetAttribute("rid", fmt.Sprintf("%d", t.rid))
	t.rid++
	next := t.rid
	t.mu.Unlock()
	t.notifyRID(next)

	return t.sendBody(ctx, body, func(respBody string, err error) {
		if err != nil {
			t.sink.ConnectCb("", err)
			return
		}
		if elem, perr := parseBody(respBody); perr == nil {
			t.mu.Lock()
			t.sid = elem.Attribute("sid")
			t.mu.Unlock()
		}
		t.sink.ConnectCb(respBody, nil)
	})
}

// Attach resumes an externally created BOSH session from its sid and
// next rid.
func (t *Transport) Attach(sid string, rid uint64) {
	t.mu.Lock()
	t.sid = sid
	t.rid = rid
	t.mu.Unlock()
	t.notifyRID(rid)
}

func (t *Transport) notifyRID(rid uint64) {
	if t.cfg.NextValidRID != nil {
		t.cfg.NextValidRID(rid)
	}
}

// Send implements transport.Transport. Elements are batched into a
// single BOSH request body honoring the hold window.
func (t *Transport) Send(elems []*stanza.Element) {
	t.mu.Lock()
	t.queue = append(t.queue, elems...)
	t.mu.Unlock()
	t.flush(context.Background())
}

// SendRestart implements transport.Transport: the next outgoing
// request carries xmpp:restart='true' and no stanza children.
func (t *Transport) SendRestart() {
	t.mu.Lock()
	t.restartNext = true
	t.mu.Unlock()
	t.flush(context.Background())
}

func (t *Transport) flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.inFlight) > t.cfg.Hold {
		t.mu.Unlock()
		return
	}
	restart := t.restartNext
	t.restartNext = false
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(pending) == 0 && !restart {
		return
	}

	t.mu.Lock()
	body := stanza.NewElementNamespace("body", httpbindNamespace)
	body.SetAttribute("rid", fmt.Sprintf("%d", t.rid))
	body.SetAttribute("sid", t.sid)
	if restart {
		body.SetAttribute("xmpp:restart", "true")
		body.SetAttribute("xmlns:xmpp", xbosNamespace)
	}
	t.rid++
	next := t.rid
	t.mu.Unlock()
	t.notifyRID(next)

	for _, e := range pending {
		body.AppendElement(e)
	}

	t.sendBody(ctx, body, func(respBody string, err error) {
		if err != nil {
			xlog.Error(err)
			return
		}
		elem, perr := parseBody(respBody)
		if perr != nil {
			xlog.Error(perr)
			return
		}
		t.sink.DataRecv(respBody, elem)
	})
}

// sendBody POSTs body to the BOSH endpoint through the circuit
// breaker, retrying transient failures up to MaxRetries, and invokes
// cb with the raw response text.
func (t *Transport) sendBody(ctx context.Context, body *stanza.Element, cb func(respBody string, err error)) error {
	req := &request{
		id:       t.nextRequestID(),
		body:     body,
		cached:   body.String(),
		callback: cb,
		date:     time.Now(),
	}
	t.mu.Lock()
	t.inFlight = append(t.inFlight, req)
	t.mu.Unlock()

	go t.execute(ctx, req)
	return nil
}

func (t *Transport) execute(ctx context.Context, req *request) {
	defer t.removeInFlight(req)

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		req.sends++
		respBody, err := t.breaker.Execute(func() (interface{}, error) {
			return t.roundTrip(ctx, req.cached)
		})
		if err == nil {
			req.callback(respBody.(string), nil)
			return
		}
		lastErr = err
		if se, ok := err.(*httpStatusError); ok {
			lastStatus = se.code
		}
		xlog.Debugf("bosh: request %d attempt %d failed: %v", req.id, attempt, err)
		time.Sleep(retryBackoff(attempt))
	}
	if lastStatus != 0 {
		t.sink.ProtocolError("bosh", lastStatus, nil)
	}
	req.callback("", errors.Wrap(lastErr, "bosh: request exhausted retries"))
}

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 200 * time.Millisecond
	if d > 3*time.Second {
		return 3 * time.Second
	}
	return d
}

func (t *Transport) roundTrip(ctx context.Context, body string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serviceURL, bytes.NewBufferString(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", t.cfg.ContentType)
	for k, vs := range t.cfg.CustomHeaders {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &httpStatusError{code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *Transport) nextRequestID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextReqID++
	return t.nextReqID
}

func (t *Transport) removeInFlight(req *request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.inFlight {
		if r == req {
			t.inFlight = append(t.inFlight[:i], t.inFlight[i+1:]...)
			break
		}
	}
}

// Disconnect implements transport.Transport: sends a terminate body
// then marks the session defunct.
func (t *Transport) Disconnect(err error) {
	t.mu.Lock()
	sid := t.sid
	rid := t.rid
	t.rid++
	next := t.rid
	t.streamEnded = true
	t.mu.Unlock()
	t.notifyRID(next)

	body := stanza.NewElementNamespace("body", httpbindNamespace)
	body.SetAttribute("rid", fmt.Sprintf("%d", rid))
	body.SetAttribute("sid", sid)
	body.SetAttribute("type", "terminate")
	_ = t.sendBody(context.Background(), body, func(string, error) {})

	t.mu.Lock()
	for _, r := range t.inFlight {
		r.abort = true
		r.dead = time.Now()
	}
	t.mu.Unlock()
}

// EmptyQueue implements transport.Transport.
func (t *Transport) EmptyQueue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight) == 0 && len(t.queue) == 0
}

// OnIdle implements transport.Transport: when no request is in flight
// and the stream has not ended, it flushes whatever is queued. It sends
// no empty poll request when the queue is empty and no restart is
// pending.
func (t *Transport) OnIdle() {
	t.mu.Lock()
	hasRoom := len(t.inFlight) == 0 && !t.streamEnded
	t.mu.Unlock()
	if hasRoom {
		t.flush(context.Background())
	}
}

// SID returns the current BOSH session id (for session-store
// persistence).
func (t *Transport) SID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sid
}

// RID returns the next-to-send rid.
func (t *Transport) RID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rid
}

func parseBody(raw string) (*stanza.Element, error) {
	p := stanza.NewParser(bytes.NewBufferString(raw))
	return p.Next()
}
