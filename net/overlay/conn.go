package overlay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"metadex/metadata"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"
)

// MaxFrameSize bounds the bytes read for one inbound frame: a torrent of the largest accepted size
// plus its message envelope.
const MaxFrameSize = metadata.MaxTorrentSize + 64<<10

var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Hello and Frame are flat maps, anything deeper or wider is garbage.
var frameDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// frameReader fails once more than max bytes are read without a reset.
type frameReader struct {
	r    io.Reader
	max  int64
	left int64
}

func (f *frameReader) Read(p []byte) (int, error) {
	if f.left <= 0 {
		return 0, ErrFrameTooLarge
	}
	if int64(len(p)) > f.left {
		p = p[:f.left]
	}
	n, err := f.r.Read(p)
	f.left -= int64(n)
	return n, err
}

func (f *frameReader) reset() {
	f.left = f.max
}

// conn is an established overlay connection to one peer.
type conn struct {
	peer    metadata.PeerID
	version int
	nc      net.Conn
	limiter *rate.Limiter

	wmu sync.Mutex // protects wb and enc
	wb  *bufio.Writer
	enc *cbor.Encoder
	dec *cbor.Decoder
	rd  *frameReader

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(nc net.Conn, limiter *rate.Limiter) *conn {
	wb := bufio.NewWriter(nc)
	rd := &frameReader{r: nc, max: MaxFrameSize, left: MaxFrameSize}
	return &conn{
		nc:      nc,
		limiter: limiter,
		wb:      wb,
		enc:     cbor.NewEncoder(wb),
		dec:     frameDecMode.NewDecoder(rd),
		rd:      rd,
		closed:  make(chan struct{}),
	}
}

// handshake exchanges Hello frames and settles on the lower of the two protocol versions.
func (c *conn) handshake(local Hello, timeout time.Duration) (Hello, error) {
	var remote Hello
	if err := c.nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return remote, err
	}
	defer c.nc.SetDeadline(time.Time{})

	errc := make(chan error, 1)
	go func() {
		errc <- c.write(&local)
	}()
	if err := c.dec.Decode(&remote); err != nil {
		return remote, fmt.Errorf("read hello: %w", err)
	}
	c.rd.reset()
	if err := <-errc; err != nil {
		return remote, fmt.Errorf("write hello: %w", err)
	}
	if remote.NodeID == "" {
		return remote, errors.New("hello without node id")
	}

	c.peer = metadata.PeerID(remote.NodeID)
	c.version = min(local.Version, remote.Version)
	return remote, nil
}

func (c *conn) write(v any) error {
	return c.writeDeadline(v, time.Time{})
}

// writeDeadline encodes v and flushes it. A zero deadline means no deadline.
func (c *conn) writeDeadline(v any, deadline time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !deadline.IsZero() {
		if err := c.nc.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	if err := c.enc.Encode(v); err != nil {
		return err
	}
	return c.wb.Flush()
}

func (c *conn) send(ctx context.Context, payload []byte) error {
	deadline, _ := ctx.Deadline()
	return c.writeDeadline(&Frame{Payload: payload}, deadline)
}

// readLoop delivers inbound frames to the handler until the connection fails, the handler asks to
// close it or ctx is done.
func (c *conn) readLoop(ctx context.Context, handler MessageHandler) {
	defer c.close()

	for {
		var f Frame
		if err := c.dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("overlay: connection to %s closed", c.peer)
			} else {
				log.Warnf("overlay: error reading from %s: %v", c.peer, err)
			}
			return
		}
		c.rd.reset()

		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		if !c.dispatch(handler, f.Payload) {
			log.Infof("overlay: closing connection to %s on handler request", c.peer)
			return
		}
	}
}

func (c *conn) dispatch(handler MessageHandler, payload []byte) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("overlay: panic handling message from %s: %v", c.peer, r)
			keep = true
		}
	}()
	return handler.HandleMessage(c.peer, c.version, payload)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
	})
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
