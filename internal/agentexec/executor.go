package agentexec

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/magnitudedev/bunnel/internal/logging"
	"github.com/magnitudedev/bunnel/internal/tracing"
	"github.com/magnitudedev/bunnel/internal/wire"
)

// errLocalResponseTooLarge marks a local-service response that exceeded the
// configured body cap; forward folds it into the same 502 outcome as any
// other local-fetch failure (spec's "Local-unreachable" taxonomy entry
// covers an oversized response too, since the agent has no caller of its
// own to report a 413 to).
var errLocalResponseTooLarge = errors.New("agentexec: local response exceeds configured maximum")

// ConnectResult is what the one-shot connect() future resolves to (spec
// §4.8): the subdomain the server assigned and the public URL callers
// should use to reach this agent.
type ConnectResult struct {
	Subdomain string
	TunnelURL string
}

// Executor maintains the agent's outbound control channel, answers
// WireRequest frames against the local service, and reconnects with
// backoff whenever the channel drops. One Executor serves exactly one
// logical tunnel for the lifetime of the process (spec §4.8).
type Executor struct {
	cfg    *Config
	dialer *websocket.Dialer
	client *http.Client

	connectOnce sync.Once
	connectCh   chan connectOutcome

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	subdomain      string
	reconnectToken string
	stopped        bool
	stopCh         chan struct{}
}

type connectOutcome struct {
	result ConnectResult
	err    error
}

// New builds an Executor. Call Run to start it; call connect's returned
// future to learn the assigned subdomain once the first session is up.
func New(cfg *Config) *Executor {
	cfg = cfg.Normalize()
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Executor{
		cfg:       cfg,
		dialer:    dialer,
		client:    &http.Client{Timeout: cfg.ForwardTimeout},
		connectCh: make(chan connectOutcome, 1),
		stopCh:    make(chan struct{}),
	}
}

// Connect returns a one-shot future resolved by the first ConnectedNotice
// this process receives, or rejected if the local-service probe or the
// initial dial fails outright (spec §4.8 "connect() ... rejects on
// transport error / local-probe failure").
func (e *Executor) Connect(ctx context.Context) (ConnectResult, error) {
	select {
	case outcome := <-e.connectCh:
		// Replay it for any later caller; connect() is one-shot per spec
		// but a second caller observing the same already-resolved result
		// is harmless and avoids blocking forever on a closed channel.
		e.connectCh <- outcome
		return outcome.result, outcome.err
	case <-ctx.Done():
		return ConnectResult{}, ctx.Err()
	}
}

// IsConnected reports whether the control channel is currently up.
func (e *Executor) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Subdomain returns the most recently assigned subdomain, or "" before the
// first ConnectedNotice arrives.
func (e *Executor) Subdomain() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subdomain
}

// Disconnect closes the control channel and stops reconnecting. Terminal:
// the Executor cannot be reused afterward (spec §4.8 disconnect()).
func (e *Executor) Disconnect() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	conn := e.conn
	e.connected = false
	e.mu.Unlock()

	close(e.stopCh)
	if conn != nil {
		_ = conn.Close()
	}
}

// Run probes the local service, then dials and maintains the tunnel until
// ctx is cancelled or Disconnect is called, reconnecting with exponential
// backoff on every drop.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.probeLocal(ctx); err != nil {
		e.failConnect(fmt.Errorf("agentexec: local service probe failed: %w", err))
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry indefinitely; only ctx/Disconnect stop the loop

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		default:
		}

		err := e.runOnce(ctx)
		if err == nil {
			bo.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		default:
		}

		e.failConnect(err)
		wait := bo.NextBackOff()
		logging.Sugar().Warnw("agentexec: session ended, reconnecting", "error", err, "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		}
	}
}

// probeLocal performs the availability HEAD request spec §4.8 requires
// before the executor ever attempts to dial the tunnel.
func (e *Executor) probeLocal(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.cfg.LocalURL, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// runOnce dials one physical connection, runs its handshake and read loop,
// and returns when that connection ends. A nil return means a clean,
// caller-initiated close (Disconnect); any other return is a drop worth
// reconnecting from.
func (e *Executor) runOnce(ctx context.Context) error {
	dialURL, err := e.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := e.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("agentexec: dial tunnel: %w", err)
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	defer func() {
		_ = conn.Close()
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
	}()

	if err := e.awaitConnected(conn); err != nil {
		return err
	}

	if err := e.readLoop(conn); err != nil {
		select {
		case <-e.stopCh:
			return nil
		default:
			return err
		}
	}
	return nil
}

// dialURL derives the control endpoint URL from the configured tunnel
// root, attaching a reconnect token if a prior session issued one.
func (e *Executor) dialURL() (string, error) {
	u, err := url.Parse(e.cfg.TunnelURL)
	if err != nil {
		return "", fmt.Errorf("agentexec: invalid tunnel url: %w", err)
	}

	e.mu.Lock()
	token := e.reconnectToken
	e.mu.Unlock()

	if token != "" {
		q := u.Query()
		q.Set("reconnect", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// awaitConnected blocks for exactly one frame: the ConnectedNotice the
// server sends immediately after upgrade (spec §4.8, §4.3).
func (e *Executor) awaitConnected(conn *websocket.Conn) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("agentexec: read connected notice: %w", err)
	}
	kind, v, err := wire.Decode(raw)
	if err != nil || kind != wire.KindConnected {
		return fmt.Errorf("agentexec: expected connected notice, got kind=%v err=%v", kind, err)
	}
	notice := v.(wire.ConnectedNotice)

	e.mu.Lock()
	e.subdomain = notice.Subdomain
	e.reconnectToken = notice.ReconnectToken
	e.connected = true
	e.mu.Unlock()

	result := ConnectResult{Subdomain: notice.Subdomain, TunnelURL: e.publicURLFor(notice.Subdomain)}
	e.connectOnce.Do(func() {
		e.connectCh <- connectOutcome{result: result}
	})
	logging.Sugar().Infow("agentexec: tunnel established", "subdomain", notice.Subdomain)
	return nil
}

// publicURLFor builds the caller-facing tunnel URL from the configured
// tunnel endpoint and the assigned subdomain.
func (e *Executor) publicURLFor(subdomain string) string {
	u, err := url.Parse(e.cfg.TunnelURL)
	if err != nil {
		return subdomain
	}
	scheme := "http"
	switch strings.ToLower(u.Scheme) {
	case "wss", "https":
		scheme = "https"
	}
	host := subdomain + "." + u.Hostname()
	if port := u.Port(); port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

// readLoop consumes WireRequest frames until the connection errors or
// Disconnect is called.
func (e *Executor) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("agentexec: control channel closed: %w", err)
		}

		kind, v, err := wire.Decode(raw)
		if err != nil {
			logging.Sugar().Debugw("agentexec: dropping unparseable frame", "error", err)
			continue
		}
		if kind != wire.KindRequest {
			continue
		}
		go e.handleRequest(conn, v.(wire.Request))
	}
}

// handleRequest fulfils one WireRequest against the local service and
// sends back the resulting WireResponse (spec §4.8).
func (e *Executor) handleRequest(conn *websocket.Conn, req wire.Request) {
	resp := e.forward(req)
	raw, err := wire.EncodeResponse(resp)
	if err != nil {
		logging.Sugar().Errorw("agentexec: encode response", "error", err, "request_id", req.ID)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logging.Sugar().Warnw("agentexec: send response failed", "error", err, "request_id", req.ID)
	}
}

// forward performs the local HTTP fetch spec §4.8 describes, translating
// any transport or parse failure into a 502 WireResponse rather than
// propagating the error (a single bad local request must not be
// session-fatal).
func (e *Executor) forward(req wire.Request) wire.Response {
	ctx, span := tracing.StartLocalFetchSpan(req.Headers, req.Method, req.Path)

	target := strings.TrimRight(e.cfg.LocalURL, "/") + req.Path

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = strings.NewReader(req.Body)
	}

	badGateway := wire.Response{ID: req.ID, Status: http.StatusBadGateway, Headers: map[string]string{}, Body: "Bad Gateway"}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		tracing.EndWithStatus(span, badGateway.Status)
		return badGateway
	}
	for k, val := range req.Headers {
		httpReq.Header.Set(k, val)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		tracing.EndWithStatus(span, badGateway.Status)
		return badGateway
	}
	defer resp.Body.Close()

	bodyBytes, err := readLimitedBody(resp.Body, e.cfg.MaxBodyBytes)
	if err != nil {
		logging.Sugar().Warnw("agentexec: local response dropped", "error", err, "request_id", req.ID)
		tracing.EndWithStatus(span, badGateway.Status)
		return badGateway
	}

	headers := make(map[string]string, len(resp.Header))
	for k, values := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(values, ", ")
	}

	tracing.EndWithStatus(span, resp.StatusCode)
	return wire.Response{ID: req.ID, Status: resp.StatusCode, Headers: headers, Body: string(bodyBytes)}
}

// readLimitedBody materialises a local-service response body up to max
// bytes, mirroring tunnelserver.readLimitedBody on the request side (spec's
// body-size cap applies to both directions of a tunneled exchange).
func readLimitedBody(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, errLocalResponseTooLarge
	}
	return data, nil
}

func (e *Executor) failConnect(err error) {
	e.connectOnce.Do(func() {
		e.connectCh <- connectOutcome{err: err}
	})
}
