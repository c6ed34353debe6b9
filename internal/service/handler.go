// Package service runs a node: it accepts connections, dispatches each
// envelope to the handler bound for its (type, action) pair and drives an
// optional periodic task on a dedicated worker goroutine.
package service

import (
	"context"
	"errors"
	"sync"

	"uwushare/internal/network"
	"uwushare/internal/proto"
)

var ErrAlreadyReplied = errors.New("service: reply already sent")

type Key struct {
	Type   proto.MessageType
	Action proto.Action
}

func (k Key) String() string {
	return string(k.Type) + "/" + string(k.Action)
}

// Handler serves one envelope. It must return before ctx is done; the service
// answers (error, timeout) on its behalf otherwise.
type Handler func(ctx context.Context, env proto.Envelope, c *Conn) error

type Handlers map[Key]Handler

// Binder supplies the handler table of a node role.
type Binder interface {
	Bind() Handlers
}

// BinderFunc adapts a function to Binder.
type BinderFunc func() Handlers

func (f BinderFunc) Bind() Handlers { return f() }

// Conn is the reply side of one accepted connection. At most one reply is
// written per connection.
type Conn struct {
	id     string
	remote string
	origin proto.PeerInfo
	nc     network.Conn

	mu      sync.Mutex
	replied bool
}

func (c *Conn) ID() string { return c.id }

// Remote is the transport address of the requester.
func (c *Conn) Remote() string { return c.remote }

// Origin is the identity the service stamps on replies.
func (c *Conn) Origin() proto.PeerInfo { return c.origin }

func (c *Conn) Replied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replied
}

func (c *Conn) Reply(env proto.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replied {
		return ErrAlreadyReplied
	}
	if env.Origin == nil {
		o := c.origin
		env.Origin = &o
	}
	data, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	c.replied = true
	return proto.WriteFrame(c.nc, data)
}

// Respond builds and writes an envelope with the service identity as origin.
func (c *Conn) Respond(t proto.MessageType, a proto.Action, payload any) error {
	env, err := proto.NewEnvelope(t, a, c.origin, payload)
	if err != nil {
		return err
	}
	return c.Reply(env)
}

// ReplyError writes an (error, action) envelope carrying msg.
func (c *Conn) ReplyError(action proto.Action, msg string) error {
	return c.Respond(proto.TypeError, action, proto.ErrorPayload{Message: msg})
}
