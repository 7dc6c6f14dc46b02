package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/metrics"
)

var (
	ErrTimeout       = errors.New("signing request timed out")
	ErrWrongAction   = errors.New("wrong action")
	ErrNotConfigured = errors.New("signing channel url not configured")
)

// Config holds dispatcher settings
type Config struct {
	URL              string
	AppToken         string
	Header           http.Header
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	DialRetries      int
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DialRetries < 0 {
		c.DialRetries = 0
	}
}

// call is one outstanding request owned by the actor
type call struct {
	id      string
	req     *Request
	started time.Time
	result  chan callResult
}

type callResult struct {
	resp *Response
	err  error
}

func (c *call) finish(resp *Response, err error) {
	// result is buffered and written at most once
	c.result <- callResult{resp: resp, err: err}
}

// actor events
type (
	dialResult struct {
		gen  int
		conn *websocket.Conn
		err  error
	}
	inbound struct {
		gen int
		msg inboundMessage
	}
	readClosed struct {
		gen int
		err error
	}
	handshakeExpired struct {
		gen int
	}
)

// Dispatcher multiplexes signing requests over a single WebSocket connection
// to the key module. All connection state is owned by one goroutine; callers
// talk to it through channels.
type Dispatcher struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	// ctx is cancelled on Close and aborts in-flight dials
	ctx   context.Context
	stop  context.CancelFunc
	dials sync.WaitGroup

	submitCh chan *call
	cancelCh chan string
	events   chan interface{}
	closeCh  chan struct{}
	done     chan struct{}
	once     sync.Once

	stateMu sync.RWMutex
	state   State
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDialer replaces the default websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(disp *Dispatcher) { disp.dialer = d }
}

// WithClock replaces the clock used for request and handshake timeouts
func WithClock(c clock.Clock) Option {
	return func(disp *Dispatcher) { disp.clock = c }
}

// WithMetrics records signing metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// NewDispatcher creates a dispatcher and starts its actor goroutine. The
// connection is opened lazily on the first request.
func NewDispatcher(cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	cfg.setDefaults()
	ctx, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		logger:   logger.Named("signing-dispatcher"),
		clock:    clock.New(),
		ctx:      ctx,
		stop:     stop,
		submitCh: make(chan *call),
		cancelCh: make(chan string),
		events:   make(chan interface{}, 16),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// State returns the current connection state
func (d *Dispatcher) State() State {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

// Close shuts the dispatcher down and fails every outstanding request
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.closeCh) })
	<-d.done
}

// Send submits a request and waits for the matching response
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Response, error) {
	c := &call{
		id:      uuid.New().String(),
		req:     req,
		started: d.clock.Now(),
		result:  make(chan callResult, 1),
	}

	select {
	case d.submitCh <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, domain.ErrChannelClosed
	}

	timer := d.clock.Timer(d.cfg.RequestTimeout)
	defer timer.Stop()

	var (
		resp *Response
		err  error
	)
	select {
	case r := <-c.result:
		resp, err = r.resp, r.err
	case <-ctx.Done():
		d.cancel(c.id)
		err = ctx.Err()
	case <-timer.C:
		d.cancel(c.id)
		err = ErrTimeout
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.ObserveSigning(string(req.Action), outcome, d.clock.Since(c.started))
	return resp, err
}

func (d *Dispatcher) cancel(id string) {
	select {
	case d.cancelCh <- id:
	case <-d.done:
	}
}

// GenerateOpenid4vciProof requests an OpenID4VCI key proof JWT
func (d *Dispatcher) GenerateOpenid4vciProof(ctx context.Context, audience, nonce, issuer string) (string, error) {
	resp, err := d.Send(ctx, &Request{
		Action:   ActionGenerateOpenid4vciProof,
		Audience: audience,
		Nonce:    nonce,
		Issuer:   issuer,
	})
	if err != nil {
		return "", err
	}
	return resp.ProofJWT, nil
}

// SignJwtPresentation requests a signed verifiable presentation
func (d *Dispatcher) SignJwtPresentation(ctx context.Context, nonce, audience string, verifiableCredentials []interface{}) (string, error) {
	resp, err := d.Send(ctx, &Request{
		Action:                ActionSignJwtPresentation,
		Nonce:                 nonce,
		Audience:              audience,
		VerifiableCredentials: verifiableCredentials,
	})
	if err != nil {
		return "", err
	}
	return resp.VPJWT, nil
}

// SignIdToken requests a self-issued ID token
func (d *Dispatcher) SignIdToken(ctx context.Context, audience, nonce string) (string, error) {
	resp, err := d.Send(ctx, &Request{
		Action:   ActionSignIdToken,
		Audience: audience,
		Nonce:    nonce,
	})
	if err != nil {
		return "", err
	}
	return resp.IDToken, nil
}

// SignDPoPProof requests a DPoP proof JWT over claims, signed with alg by the
// key keyRef
func (d *Dispatcher) SignDPoPProof(ctx context.Context, keyRef, alg string, claims map[string]interface{}) (string, error) {
	resp, err := d.Send(ctx, &Request{
		Action: ActionGenerateDPoPProof,
		KeyRef: keyRef,
		Alg:    alg,
		Claims: claims,
	})
	if err != nil {
		return "", err
	}
	return resp.DPoPJWT, nil
}

// run is the actor loop. Only this goroutine touches conn, queue and pending.
func (d *Dispatcher) run() {
	defer close(d.done)

	var (
		conn    *websocket.Conn
		gen     int
		queue   []*call
		pending = make(map[string]*call)
		hsTimer *clock.Timer
	)

	stopHandshakeTimer := func() {
		if hsTimer != nil {
			hsTimer.Stop()
			hsTimer = nil
		}
	}

	failAll := func(cause error) {
		for id, c := range pending {
			c.finish(nil, cause)
			delete(pending, id)
		}
		for _, c := range queue {
			c.finish(nil, cause)
		}
		queue = nil
	}

	drop := func(cause error) {
		stopHandshakeTimer()
		if conn != nil {
			_ = conn.Close()
			conn = nil
		}
		failAll(cause)
		d.setState(StateDisconnected)
	}

	write := func(c *call) {
		msg := outboundMessage{MessageID: c.id, Request: c.req}
		// socket deadlines are wall clock
		_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			d.logger.Warn("Failed to write signing request", zap.String("message_id", c.id), zap.Error(err))
			pending[c.id] = c
			drop(fmt.Errorf("%w: %v", domain.ErrChannelClosed, err))
			return
		}
		pending[c.id] = c
		d.logger.Debug("Sent signing request",
			zap.String("message_id", c.id),
			zap.String("action", string(c.req.Action)),
		)
	}

	flush := func() {
		q := queue
		queue = nil
		for i, c := range q {
			if d.State() != StateReady {
				// connection dropped while flushing; the rest were already failed or re-queued
				for _, rest := range q[i:] {
					rest.finish(nil, domain.ErrChannelClosed)
				}
				return
			}
			write(c)
		}
	}

	ready := func() {
		stopHandshakeTimer()
		d.setState(StateReady)
		d.logger.Info("Signing channel ready")
		flush()
	}

	for {
		select {
		case <-d.closeCh:
			d.stop()
			drop(domain.ErrChannelClosed)
			d.dials.Wait()
			d.drainEvents()
			return

		case c := <-d.submitCh:
			if d.State() == StateReady {
				write(c)
				continue
			}
			queue = append(queue, c)
			if d.State() == StateDisconnected {
				if d.cfg.URL == "" {
					failAll(fmt.Errorf("%w: %w", domain.ErrChannelClosed, ErrNotConfigured))
					continue
				}
				gen++
				d.setState(StateConnecting)
				d.dials.Add(1)
				go d.dial(gen)
			}

		case id := <-d.cancelCh:
			delete(pending, id)
			for i, c := range queue {
				if c.id == id {
					queue = append(queue[:i], queue[i+1:]...)
					break
				}
			}

		case ev := <-d.events:
			switch e := ev.(type) {
			case dialResult:
				if e.gen != gen {
					if e.conn != nil {
						_ = e.conn.Close()
					}
					continue
				}
				if e.err != nil {
					d.logger.Warn("Failed to connect signing channel", zap.Error(e.err))
					drop(fmt.Errorf("%w: %v", domain.ErrChannelClosed, e.err))
					continue
				}
				conn = e.conn
				go d.read(gen, conn)
				if d.cfg.AppToken == "" {
					ready()
					continue
				}
				d.setState(StateHandshaking)
				_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
				if err := conn.WriteJSON(handshakeMessage{AppToken: d.cfg.AppToken}); err != nil {
					drop(fmt.Errorf("%w: handshake: %v", domain.ErrChannelClosed, err))
					continue
				}
				hsGen := gen
				hsTimer = d.clock.AfterFunc(d.cfg.HandshakeTimeout, func() {
					d.emit(handshakeExpired{gen: hsGen})
				})

			case handshakeExpired:
				if e.gen == gen && d.State() == StateHandshaking {
					d.logger.Warn("Signing channel handshake timed out")
					drop(fmt.Errorf("%w: handshake timed out", domain.ErrChannelClosed))
				}

			case inbound:
				if e.gen != gen {
					continue
				}
				if e.msg.Type == typeFinInit {
					if d.State() == StateHandshaking {
						ready()
					}
					continue
				}
				if e.msg.Response == nil {
					continue
				}
				if !e.msg.Response.Action.Known() {
					d.logger.Debug("Ignoring unknown action", zap.String("action", string(e.msg.Response.Action)))
					continue
				}
				c, ok := pending[e.msg.MessageID]
				if !ok {
					d.logger.Debug("Ignoring response without pending request", zap.String("message_id", e.msg.MessageID))
					continue
				}
				delete(pending, e.msg.MessageID)
				switch {
				case e.msg.Response.Action != c.req.Action:
					c.finish(nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongAction, c.req.Action, e.msg.Response.Action))
				case e.msg.Response.Error != "":
					c.finish(nil, fmt.Errorf("%w: %s", domain.ErrSigningFailed, e.msg.Response.Error))
				default:
					c.finish(e.msg.Response, nil)
				}

			case readClosed:
				if e.gen != gen || conn == nil {
					continue
				}
				d.logger.Info("Signing channel closed", zap.Error(e.err))
				drop(domain.ErrChannelClosed)
			}
		}
	}
}

func (d *Dispatcher) setState(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

// emit hands an event to the actor unless it has exited
func (d *Dispatcher) emit(ev interface{}) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// drainEvents closes connections from dials that finished after the actor
// stopped reading events
func (d *Dispatcher) drainEvents() {
	for {
		select {
		case ev := <-d.events:
			if e, ok := ev.(dialResult); ok && e.conn != nil {
				_ = e.conn.Close()
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) dial(gen int) {
	defer d.dials.Done()

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := d.dialer.DialContext(d.ctx, d.cfg.URL, d.cfg.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close() //nolint:errcheck
		}
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.cfg.DialRetries)), d.ctx)
	err := backoff.Retry(op, b)

	select {
	case d.events <- dialResult{gen: gen, conn: conn, err: err}:
	case <-d.ctx.Done():
		if conn != nil {
			_ = conn.Close()
		}
	}
}

func (d *Dispatcher) read(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.logger.Debug("Signing channel read error", zap.Error(err))
			}
			d.emit(readClosed{gen: gen, err: err})
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.Debug("Ignoring unparseable message", zap.Error(err))
			continue
		}
		d.emit(inbound{gen: gen, msg: msg})
	}
}
