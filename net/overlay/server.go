package overlay

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Serve accepts inbound connections on listener until ctx is cancelled.
func (o *Overlay) Serve(ctx context.Context, listener net.Listener) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	// Closing the listener unblocks Accept
	go func() {
		<-ctx.Done()
		log.Infof("overlay: shutting down listener %s", listener.Addr())
		if err := listener.Close(); err != nil {
			log.Warnf("overlay: error closing listener %s: %v", listener.Addr(), err)
		}
		o.Close()
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, time.Second)
				log.Warnf("overlay: accept error on %s: %v; retrying in %v", listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("overlay: accept error on %s: %v", listener.Addr(), err)
			return err
		}

		tempDelay = 0
		go o.accept(nc)
	}
}

func (o *Overlay) accept(nc net.Conn) {
	c := newConn(nc, o.newLimiter())
	remote, err := c.handshake(o.hello(), o.cfg.DialTimeout)
	if err != nil {
		log.Debugf("overlay: handshake with %s failed: %v", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	if remote.NodeID == o.cfg.NodeID {
		log.Debugf("overlay: dropping connection to self from %s", nc.RemoteAddr())
		nc.Close()
		return
	}

	// Remember how to reach the peer again
	if remote.ListenAddr != "" {
		o.mu.Lock()
		if _, known := o.addrs[c.peer]; !known {
			o.addrs[c.peer] = remote.ListenAddr
		}
		o.mu.Unlock()
	}

	log.Infof("overlay: accepted %s from %s (version %d)", c.peer, nc.RemoteAddr(), c.version)
	o.register(c)
}
