// Package itc implements request/response messaging between a coordinator
// and its workers over a pair of connected ports.
//
// A Channel wraps one end of a port pair. Requests sent with Send are
// matched to exactly one response by a generated reqId; notifications sent
// with Notify are fire-and-forget. Payloads are sanitized and JSON-encoded,
// so nothing but bytes crosses between the two ends.
package itc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// Handler serves a named request. The returned value is sanitized and sent
// back as the response data.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// Options configures a Channel.
type Options struct {
	// Name identifies the channel in logs, metrics and errors. Required.
	Name string

	// Port is the local end of a port pair. Required.
	Port *Port

	// Version is sent on every request and response. Defaults to
	// ProtocolVersion.
	Version string

	// Accept is a semver constraint inbound versions must satisfy. Defaults
	// to an exact match on Version.
	Accept string

	// SilentMissingHandler makes requests without a registered handler
	// succeed with null data instead of failing with ErrHandlerNotFound.
	SilentMissingHandler bool

	Handlers map[string]Handler

	// OnNotification receives notifications from the peer. It is called on
	// the channel's read goroutine and must not block.
	OnNotification func(name string, data json.RawMessage)

	// OnUnhandledError receives protocol and dispatch errors that have no
	// caller to report to. Nothing is raised as a panic.
	OnUnhandledError func(error)

	Logger  *zerolog.Logger
	Metrics *Metrics
}

type state int

const (
	created state = iota
	listening
	closed
)

type reply struct {
	data json.RawMessage
	err  error
}

// Channel is one side of an ITC connection.
type Channel struct {
	name          string
	port          *Port
	version       string
	accept        *semver.Constraints
	silentMissing bool
	onNotify      func(string, json.RawMessage)
	onUnhandled   func(error)
	log           zerolog.Logger
	metrics       *Metrics

	t tomb.Tomb

	mu       sync.Mutex
	state    state
	handlers map[string]Handler
	pending  map[string]chan reply
	inflight int
	released bool
	listened bool
}

// New returns a channel in the created state. Call Listen before sending.
func New(opts Options) (*Channel, error) {
	if opts.Name == "" {
		return nil, ErrMissingName
	}
	if opts.Port == nil {
		return nil, ErrMissingPort
	}

	version := opts.Version
	if version == "" {
		version = ProtocolVersion
	}
	if _, err := semver.NewVersion(version); err != nil {
		return nil, fmt.Errorf("itc: channel %q: version %q: %w", opts.Name, version, err)
	}
	accept := opts.Accept
	if accept == "" {
		accept = "=" + version
	}
	constraint, err := semver.NewConstraint(accept)
	if err != nil {
		return nil, fmt.Errorf("itc: channel %q: accept %q: %w", opts.Name, accept, err)
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	c := &Channel{
		name:          opts.Name,
		port:          opts.Port,
		version:       version,
		accept:        constraint,
		silentMissing: opts.SilentMissingHandler,
		onNotify:      opts.OnNotification,
		onUnhandled:   opts.OnUnhandledError,
		log:           log.With().Str("channel", opts.Name).Logger(),
		metrics:       opts.Metrics,
		handlers:      make(map[string]Handler, len(opts.Handlers)),
		pending:       make(map[string]chan reply),
	}
	for name, h := range opts.Handlers {
		c.handlers[name] = h
	}
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Handle registers h for requests named name, replacing any previous
// handler.
func (c *Channel) Handle(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

// GetHandler returns the handler registered for name, or nil.
func (c *Channel) GetHandler(name string) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[name]
}

// Listen starts reading from the port. It may be called once.
func (c *Channel) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case listening:
		return ErrAlreadyListening
	case closed:
		return ErrMessagePortClosed
	}
	c.state = listening
	c.listened = true
	c.t.Go(c.readLoop)
	return nil
}

// Send issues a request and waits for its response. Cancelling ctx stops the
// wait; the peer still runs the handler.
func (c *Channel) Send(ctx context.Context, name string, data any) (json.RawMessage, error) {
	payload, err := encodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("itc: encode %q request: %w", name, err)
	}

	id := uuid.NewString()
	frame, err := json.Marshal(Message{
		Type:    TypeRequest,
		ReqID:   id,
		Version: c.version,
		Name:    name,
		Data:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("itc: encode %q request: %w", name, err)
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	switch c.state {
	case created:
		c.mu.Unlock()
		return nil, ErrSendBeforeListen
	case closed:
		c.mu.Unlock()
		return nil, ErrMessagePortClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	start := time.Now()
	if err := c.port.Post(frame); err != nil {
		c.forget(id)
		c.metrics.observeRequest(c.name, name, start, err)
		return nil, err
	}

	select {
	case r := <-ch:
		c.metrics.observeRequest(c.name, name, start, r.err)
		return r.data, r.err
	case <-ctx.Done():
		c.forget(id)
		c.metrics.observeRequest(c.name, name, start, ctx.Err())
		return nil, ctx.Err()
	}
}

// Call sends a request and decodes the response data into T.
func Call[T any](ctx context.Context, c *Channel, name string, data any) (T, error) {
	var out T
	raw, err := c.Send(ctx, name, data)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("itc: decode %q response: %w", name, err)
	}
	return out, nil
}

// Notify sends a notification without waiting for anything in return.
func (c *Channel) Notify(name string, data any) error {
	payload, err := encodePayload(data)
	if err != nil {
		return fmt.Errorf("itc: encode %q notification: %w", name, err)
	}
	frame, err := json.Marshal(Message{Type: TypeNotification, Name: name, Data: payload})
	if err != nil {
		return fmt.Errorf("itc: encode %q notification: %w", name, err)
	}

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	switch st {
	case created:
		return ErrSendBeforeListen
	case closed:
		return ErrMessagePortClosed
	}
	return c.port.Post(frame)
}

// Close rejects every pending request with ErrMessagePortClosed and
// releases the port. Replies from handlers still running are posted before
// the port is released. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == closed {
		c.mu.Unlock()
		return nil
	}
	c.state = closed
	pending := c.takePending()
	release := c.inflight == 0 && !c.released
	if release {
		c.released = true
	}
	c.mu.Unlock()

	reject(pending)
	c.t.Kill(nil)
	if release {
		c.port.Close()
	}
	c.log.Debug().Msg("channel closed")
	return nil
}

// Wait blocks until the read loop and all running handlers have returned.
func (c *Channel) Wait() error {
	c.mu.Lock()
	listened := c.listened
	c.mu.Unlock()
	if !listened {
		return nil
	}
	return c.t.Wait()
}

// Closed reports whether the channel has been closed, locally or by the
// peer.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == closed
}

func (c *Channel) readLoop() error {
	for {
		frame, err := c.port.Next()
		if err != nil {
			c.peerClosed()
			return nil
		}
		c.dispatch(frame)
	}
}

// peerClosed moves the channel to closed after the port has gone away.
func (c *Channel) peerClosed() {
	c.mu.Lock()
	var pending map[string]chan reply
	if c.state != closed {
		c.state = closed
		pending = c.takePending()
		c.log.Debug().Msg("port closed by peer")
	}
	c.released = true
	c.mu.Unlock()

	reject(pending)
	c.t.Kill(nil)
}

func (c *Channel) dispatch(frame []byte) {
	m, ok := decodeFrame(frame)
	if !ok {
		return
	}
	switch m.Type {
	case TypeRequest:
		c.onRequest(m)
	case TypeResponse:
		c.onResponse(m)
	case TypeNotification:
		c.onNotification(m)
	default:
		c.log.Debug().Str("type", m.Type).Msg("ignoring unknown message type")
	}
}

func (c *Channel) onRequest(m Message) {
	if m.ReqID == "" {
		c.unhandled(&ProtocolError{Err: ErrMissingRequestReqID, Detail: m.Name})
		return
	}
	if m.Name == "" {
		err := &ProtocolError{Err: ErrMissingRequestName, Detail: m.ReqID}
		c.unhandled(err)
		c.respond(m, nil, err)
		return
	}
	if err := c.checkVersion(m.Version); err != nil {
		err := &ProtocolError{Err: ErrInvalidRequestVersion, Detail: err.Error()}
		c.unhandled(err)
		c.respond(m, nil, err)
		return
	}

	c.mu.Lock()
	if c.state == closed {
		c.mu.Unlock()
		c.respond(m, nil, ErrMessagePortClosed)
		return
	}
	h := c.handlers[m.Name]
	if h == nil {
		c.mu.Unlock()
		if c.silentMissing {
			c.respond(m, nil, nil)
			return
		}
		err := &ProtocolError{Err: ErrHandlerNotFound, Detail: m.Name}
		c.unhandled(err)
		c.respond(m, nil, err)
		return
	}
	c.inflight++
	c.mu.Unlock()

	c.t.Go(func() error {
		defer c.handlerDone()
		out, err := c.call(h, m)
		c.respond(m, out, err)
		return nil
	})
}

// call runs h, converting errors and panics into *HandlerFailedError.
func (c *Channel) call(h Handler, m Message) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("name", m.Name).Interface("panic", r).Msg("handler panicked")
			out, err = nil, &HandlerFailedError{Name: m.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = h(c.t.Context(nil), m.Data)
	if err != nil {
		return nil, &HandlerFailedError{Name: m.Name, Err: err}
	}
	return out, nil
}

func (c *Channel) handlerDone() {
	c.mu.Lock()
	c.inflight--
	release := c.state == closed && c.inflight == 0 && !c.released
	if release {
		c.released = true
	}
	c.mu.Unlock()
	if release {
		c.port.Close()
	}
}

// respond posts the single response for request m.
func (c *Channel) respond(m Message, data any, err error) {
	resp := Message{
		Type:    TypeResponse,
		ReqID:   m.ReqID,
		Version: c.version,
		Name:    m.Name,
	}
	if err == nil {
		payload, encErr := encodePayload(data)
		if encErr != nil {
			err = &HandlerFailedError{Name: m.Name, Err: encErr}
		}
		resp.Data = payload
	}
	if err != nil {
		resp.Data = nil
		resp.Error = infoFor(err)
	}

	frame, encErr := json.Marshal(resp)
	if encErr != nil {
		c.log.Error().Err(encErr).Str("name", m.Name).Msg("encode response")
		return
	}
	if postErr := c.port.Post(frame); postErr != nil {
		c.log.Debug().Err(postErr).Str("name", m.Name).Str("reqId", m.ReqID).Msg("response dropped")
	}
}

func (c *Channel) onResponse(m Message) {
	if m.ReqID == "" {
		c.unhandled(&ProtocolError{Err: ErrMissingResponseReqID, Detail: m.Name})
		return
	}

	var protoErr error
	if m.Name == "" {
		protoErr = &ProtocolError{Err: ErrMissingResponseName, Detail: m.ReqID}
	} else if err := c.checkVersion(m.Version); err != nil {
		protoErr = &ProtocolError{Err: ErrInvalidResponseVersion, Detail: err.Error()}
	}
	if protoErr != nil {
		c.unhandled(protoErr)
	}

	ch := c.forget(m.ReqID)
	if ch == nil {
		c.log.Debug().Str("reqId", m.ReqID).Str("name", m.Name).Msg("response for unknown request")
		return
	}
	switch {
	case m.Error != nil:
		ch <- reply{err: &RemoteError{Info: *m.Error}}
	case protoErr != nil:
		ch <- reply{err: protoErr}
	default:
		ch <- reply{data: m.Data}
	}
}

func (c *Channel) onNotification(m Message) {
	if m.Name == "" || c.onNotify == nil || c.Closed() {
		return
	}
	c.onNotify(m.Name, m.Data)
}

func (c *Channel) checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("missing version, want %s", c.accept)
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("version %q: %w", v, err)
	}
	if !c.accept.Check(parsed) {
		return fmt.Errorf("version %s does not satisfy %s", v, c.accept)
	}
	return nil
}

func (c *Channel) unhandled(err error) {
	code := ""
	if info := infoFor(err); info != nil {
		code = info.Code
	}
	c.log.Warn().Err(err).Str("code", code).Msg("unhandled error")
	c.metrics.observeUnhandled(c.name, code)
	if c.onUnhandled != nil {
		c.onUnhandled(err)
	}
}

// forget removes and returns the reply channel for id.
func (c *Channel) forget(id string) chan reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.pending[id]
	delete(c.pending, id)
	return ch
}

// takePending must be called with c.mu held.
func (c *Channel) takePending() map[string]chan reply {
	p := c.pending
	c.pending = make(map[string]chan reply)
	return p
}

func reject(pending map[string]chan reply) {
	for _, ch := range pending {
		ch <- reply{err: ErrMessagePortClosed}
	}
}
