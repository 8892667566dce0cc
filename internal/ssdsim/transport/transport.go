// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package transport is the in-process channel between client sessions and
// the dispatcher. Endpoints are found by name in a registry, which stands in
// for the named pipe or shared memory the real device process would use.
//
// Requests travel over one bounded queue per endpoint. Every request carries
// the reply channel of the connection it came from, so completions go
// straight back to the right session, in whatever order they finish.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"

	"github.com/asch/ssdsim/internal/ssdsim/protocol"
)

var (
	ErrNameInUse  = errors.New("endpoint name already in use")
	ErrNoEndpoint = errors.New("no such endpoint")
)

// Default registry used by the simulator and the command line tools.
var Default = NewRegistry()

// Request is one submitted message together with the way back to its sender.
type Request struct {
	Message *protocol.Message

	// Name of the connection the message was submitted on.
	Source string

	reply chan<- *protocol.Message
}

// Reply hands the message back to the connection it was submitted on. The
// reply queue is sized by the connection so this never blocks as long as the
// sender keeps to its outstanding budget.
func (r Request) Reply() {
	r.reply <- r.Message
}

// Endpoint is the serving side of a channel.
type Endpoint struct {
	name     string
	depth    int
	requests chan Request
	registry *Registry

	// Guards closed against concurrent senders. Senders hold it shared while
	// they enqueue so that once Close returns nothing new can appear in the
	// queue.
	lock   sync.RWMutex
	closed bool
}

// Conn is the client side of a channel.
type Conn struct {
	name      string
	endpoint  *Endpoint
	responses chan *protocol.Message
}

type Registry struct {
	lock      sync.Mutex
	endpoints map[string]*Endpoint
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Listen registers a new endpoint with a request queue of depth entries. An
// empty name gets a generated unique one.
func (r *Registry) Listen(name string, depth int) (*Endpoint, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("queue depth %d must be positive", depth)
	}

	if name == "" {
		name = "ssdsim-" + xid.New().String()
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.endpoints[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNameInUse, name)
	}

	e := &Endpoint{
		name:     name,
		depth:    depth,
		requests: make(chan Request, depth),
		registry: r,
	}
	r.endpoints[name] = e

	return e, nil
}

// Dial connects to the endpoint registered under name. The connection can
// hold up to depth undelivered responses.
func (r *Registry) Dial(name string, depth int) (*Conn, error) {
	r.lock.Lock()
	e, ok := r.endpoints[name]
	r.lock.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, name)
	}

	if depth <= 0 || depth > e.depth {
		depth = e.depth
	}

	return &Conn{
		name:      xid.New().String(),
		endpoint:  e,
		responses: make(chan *protocol.Message, depth),
	}, nil
}

func (r *Registry) remove(e *Endpoint) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.endpoints[e.name] == e {
		delete(r.endpoints, e.name)
	}
}

func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) Depth() int {
	return e.depth
}

// Requests is the queue the server consumes.
func (e *Endpoint) Requests() <-chan Request {
	return e.requests
}

// Pending returns the number of queued requests not yet taken by the server.
func (e *Endpoint) Pending() int {
	return len(e.requests)
}

// Close stops accepting new requests and removes the endpoint from the
// registry. Requests already queued stay in the queue for the server to
// drain.
func (e *Endpoint) Close() {
	e.lock.Lock()
	e.closed = true
	e.lock.Unlock()

	e.registry.remove(e)
}

func (e *Endpoint) Closed() bool {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return e.closed
}

// Send enqueues message without blocking.
func (c *Conn) Send(m *protocol.Message) error {
	e := c.endpoint

	e.lock.RLock()
	defer e.lock.RUnlock()

	if e.closed {
		return protocol.ErrClosed
	}

	select {
	case e.requests <- Request{Message: m, Source: c.name, reply: c.responses}:
		return nil
	default:
		return protocol.ErrQueueFull
	}
}

// Responses delivers completed messages in completion order.
func (c *Conn) Responses() <-chan *protocol.Message {
	return c.responses
}

// Depth is the capacity of the response queue, which is also the largest
// number of reply-required messages the connection may have outstanding.
func (c *Conn) Depth() int {
	return cap(c.responses)
}

// Name is unique for every connection.
func (c *Conn) Name() string {
	return c.name
}

func (c *Conn) Endpoint() string {
	return c.endpoint.name
}
