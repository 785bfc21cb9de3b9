// Package overlay is a minimal peer-to-peer transport: long-lived TCP connections between nodes that
// exchange a cbor hello, then cbor framed messages.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"metadex/metadata"

	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"
)

var _ metadata.Transport = (*Overlay)(nil)

var (
	ErrUnknownPeer  = errors.New("peer address unknown")
	ErrPeerMismatch = errors.New("remote node id does not match")
	ErrShutdown     = errors.New("overlay is shut down")
)

// MessageHandler receives every inbound message. Returning false closes the connection.
type MessageHandler interface {
	HandleMessage(peer metadata.PeerID, version int, msg []byte) bool
}

type Config struct {
	NodeID string
	// Version is the protocol version advertised in the hello.
	Version int
	// AdvertiseAddr is sent to peers so they can dial back. Optional.
	AdvertiseAddr string
	// MessagesPerSecond limits inbound messages per connection. Zero disables the limit.
	MessagesPerSecond float64
	Burst             int
	DialTimeout       time.Duration
}

type Overlay struct {
	cfg     Config
	handler MessageHandler

	mu       sync.Mutex
	addrs    map[metadata.PeerID]string
	conns    map[metadata.PeerID]*conn
	ctx      context.Context
	shutdown bool
}

func New(cfg Config, handler MessageHandler) *Overlay {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Overlay{
		cfg:     cfg,
		handler: handler,
		addrs:   make(map[metadata.PeerID]string),
		conns:   make(map[metadata.PeerID]*conn),
		ctx:     context.Background(),
	}
}

// SetHandler replaces the inbound message handler. It must be called before Serve.
func (o *Overlay) SetHandler(h MessageHandler) {
	o.handler = h
}

// AddPeer records the address a peer can be dialed at.
func (o *Overlay) AddPeer(peer metadata.PeerID, addr string) {
	o.mu.Lock()
	o.addrs[peer] = addr
	o.mu.Unlock()
}

// Peers returns the peers with an open connection.
func (o *Overlay) Peers() []metadata.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]metadata.PeerID, 0, len(o.conns))
	for p, c := range o.conns {
		if !c.isClosed() {
			out = append(out, p)
		}
	}
	return out
}

func (o *Overlay) hello() Hello {
	return Hello{
		NodeID:     o.cfg.NodeID,
		Version:    o.cfg.Version,
		ListenAddr: o.cfg.AdvertiseAddr,
	}
}

func (o *Overlay) newLimiter() *rate.Limiter {
	if o.cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(o.cfg.MessagesPerSecond), o.cfg.Burst)
}

// Connect returns the existing connection to peer or dials a new one.
func (o *Overlay) Connect(ctx context.Context, peer metadata.PeerID) <-chan metadata.ConnectResult {
	done := make(chan metadata.ConnectResult, 1)
	go func() {
		c, err := o.connect(ctx, peer)
		if err != nil {
			done <- metadata.ConnectResult{Err: err}
			return
		}
		done <- metadata.ConnectResult{Version: c.version}
	}()
	return done
}

// Send writes msg to peer, connecting first when needed.
func (o *Overlay) Send(ctx context.Context, peer metadata.PeerID, msg []byte) <-chan error {
	done := make(chan error, 1)
	go func() {
		c, err := o.connect(ctx, peer)
		if err != nil {
			done <- err
			return
		}
		if err := c.send(ctx, msg); err != nil {
			c.close()
			done <- fmt.Errorf("send to %s: %w", peer, err)
			return
		}
		done <- nil
	}()
	return done
}

func (o *Overlay) connect(ctx context.Context, peer metadata.PeerID) (*conn, error) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return nil, ErrShutdown
	}
	if c, ok := o.conns[peer]; ok && !c.isClosed() {
		o.mu.Unlock()
		return c, nil
	}
	addr, ok := o.addrs[peer]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	d := net.Dialer{Timeout: o.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := newConn(nc, o.newLimiter())
	if _, err := c.handshake(o.hello(), o.cfg.DialTimeout); err != nil {
		nc.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	if c.peer != peer {
		nc.Close()
		return nil, fmt.Errorf("%w: dialed %s, got %s", ErrPeerMismatch, peer, c.peer)
	}

	log.Infof("overlay: connected to %s at %s (version %d)", peer, addr, c.version)
	return o.register(c), nil
}

// register makes c the connection for its peer and starts reading from it. If a live connection to
// the peer already exists, c is closed and the existing one is returned.
func (o *Overlay) register(c *conn) *conn {
	o.mu.Lock()
	if existing, ok := o.conns[c.peer]; ok && !existing.isClosed() {
		o.mu.Unlock()
		c.close()
		return existing
	}
	if o.shutdown {
		o.mu.Unlock()
		c.close()
		return c
	}
	o.conns[c.peer] = c
	ctx := o.ctx
	o.mu.Unlock()

	go func() {
		c.readLoop(ctx, o.handler)
		o.mu.Lock()
		if o.conns[c.peer] == c {
			delete(o.conns, c.peer)
		}
		o.mu.Unlock()
	}()
	return c
}

// Close drops every connection. Further Connect and Send calls fail with ErrShutdown.
func (o *Overlay) Close() error {
	o.mu.Lock()
	o.shutdown = true
	conns := o.conns
	o.conns = make(map[metadata.PeerID]*conn)
	o.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}
