// Package middlewares holds interceptors the fabric runs around every
// connection and every inbound packet.
package middlewares

import (
	"context"
	"sort"
	"time"

	"github.com/zeusync/ecsnet/internal/core/protocol"
)

// Peer describes the connection a hook runs for.
type Peer struct {
	ID          string
	RemoteAddr  string
	Transport   string
	ConnectedAt time.Time
}

type Middleware interface {
	Name() string
	// Priority orders the chain, highest first.
	Priority() uint16
	// OnConnect may refuse the connection by returning an error.
	OnConnect(ctx context.Context, peer Peer) error
	OnDisconnect(ctx context.Context, peer Peer, reason string)
	// BeforeHandle may drop the packet by returning an error.
	BeforeHandle(ctx context.Context, peer Peer, packet protocol.Packet) error
	AfterHandle(ctx context.Context, peer Peer, packet protocol.Packet, elapsed time.Duration, err error)
}

// Chain runs middlewares in priority order.
type Chain struct {
	items []Middleware
}

func NewChain(items ...Middleware) *Chain {
	c := &Chain{}
	for _, m := range items {
		c.Add(m)
	}
	return c
}

func (c *Chain) Add(m Middleware) {
	if m == nil {
		return
	}
	c.items = append(c.items, m)
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].Priority() > c.items[j].Priority()
	})
}

func (c *Chain) Names() []string {
	names := make([]string, len(c.items))
	for i, m := range c.items {
		names[i] = m.Name()
	}
	return names
}

func (c *Chain) Len() int { return len(c.items) }

func (c *Chain) OnConnect(ctx context.Context, peer Peer) error {
	for _, m := range c.items {
		if err := m.OnConnect(ctx, peer); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) OnDisconnect(ctx context.Context, peer Peer, reason string) {
	for _, m := range c.items {
		m.OnDisconnect(ctx, peer, reason)
	}
}

func (c *Chain) BeforeHandle(ctx context.Context, peer Peer, packet protocol.Packet) error {
	for _, m := range c.items {
		if err := m.BeforeHandle(ctx, peer, packet); err != nil {
			return err
		}
	}
	return nil
}

// AfterHandle runs in reverse priority order.
func (c *Chain) AfterHandle(ctx context.Context, peer Peer, packet protocol.Packet, elapsed time.Duration, err error) {
	for i := len(c.items) - 1; i >= 0; i-- {
		c.items[i].AfterHandle(ctx, peer, packet, elapsed, err)
	}
}
