package http2

import (
	"context"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Client routes requests of one `host:port` over pooled HTTP/2
// connections. It is the glue installed into a fasthttp.HostClient by
// ConfigureClient.
type Client struct {
	d    *Dialer
	opts ClientOpts

	pool   *ConnPool
	logger *zap.Logger
}

func createClient(d *Dialer, opts ClientOpts) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		d:      d,
		opts:   opts,
		pool:   NewConnPool(logger),
		logger: logger,
	}
}

func (cl *Client) connOpts() ConnOpts {
	co := cl.opts.Conn

	if co.PingInterval == 0 {
		co.PingInterval = cl.opts.PingInterval
	}
	if co.OnRTT == nil {
		co.OnRTT = cl.opts.OnRTT
	}
	if co.Logger == nil {
		co.Logger = cl.logger
	}

	return co
}

// acquireConn returns a live connection for the client's address,
// dialing one when the pool has none.
func (cl *Client) acquireConn() (*Conn, error) {
	if c := cl.pool.GetIfExists(cl.d.Addr); c != nil {
		return c, nil
	}

	return cl.pool.GetOrCreate(cl.d.Addr, func() (*Conn, error) {
		nc, err := cl.d.Dial(cl.connOpts())
		if err != nil {
			return nil, errors.Wrap(err, "dialing HTTP/2 connection")
		}

		return nc, nil
	})
}

var _ fasthttp.RoundTripper = (*Client)(nil)

// RoundTrip implements fasthttp.RoundTripper so the client can be
// installed as a HostClient transport. Retrying is handled internally,
// so the HostClient is always told not to.
func (cl *Client) RoundTrip(hc *fasthttp.HostClient, req *fasthttp.Request, res *fasthttp.Response) (bool, error) {
	return false, cl.Do(req, res)
}

// Do sends the request and waits for the response.
func (cl *Client) Do(req *fasthttp.Request, res *fasthttp.Response) error {
	return cl.DoWithContext(context.Background(), req, res)
}

// DoWithContext sends the request honoring the context.
//
// A send failure against a reused connection evicts it from the pool;
// the request is retried once on a fresh connection when it is safe:
// either the peer provably never processed it, or the connection was
// disposed under an idempotent request. Other failures are returned
// as they are.
func (cl *Client) DoWithContext(ctx context.Context, req *fasthttp.Request, res *fasthttp.Response) error {
	if cl.opts.EnableCompression {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	var err error

	for attempt := 0; attempt < 2; attempt++ {
		var c *Conn

		c, err = cl.acquireConn()
		if err != nil {
			return err
		}

		err = c.DoWithContext(ctx, req, res)
		if err == nil {
			break
		}

		cl.pool.Remove(cl.d.Addr, c)

		if attempt > 0 || !canRetry(err, req.Header.Method()) {
			return err
		}

		res.Reset()
		cl.logger.Debug("retrying on a fresh connection", zap.Error(err))
	}

	if err != nil {
		return err
	}

	if cl.opts.EnableCompression {
		err = decompressBody(res)
	}

	return err
}

// Close disposes every pooled connection.
func (cl *Client) Close() {
	cl.pool.Close()
}

// canRetry reports whether the failed request may be replayed on a
// fresh connection.
func canRetry(err error, method []byte) bool {
	// the peer provably never acted on the request
	if errors.Is(err, ErrNotProcessed) ||
		errors.Is(err, ErrStreamExhausted) ||
		errors.Is(err, NewStreamError(RefusedStreamError, "")) {
		return true
	}

	// anything else may have reached the peer: idempotent methods only
	if errors.Is(err, ErrConnDisposed) {
		return isIdempotent(method)
	}

	return false
}

func isIdempotent(method []byte) bool {
	switch string(method) {
	case fasthttp.MethodGet, fasthttp.MethodHead, fasthttp.MethodOptions,
		fasthttp.MethodPut, fasthttp.MethodDelete, fasthttp.MethodTrace:
		return true
	}

	return false
}

// decompressBody unwraps a compressed response body in place.
func decompressBody(res *fasthttp.Response) error {
	encoding := res.Header.Peek(fasthttp.HeaderContentEncoding)
	if len(encoding) == 0 {
		return nil
	}

	var (
		n   int
		err error
	)

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	switch encoding[0] {
	case 'b': // br
		n, err = fasthttp.WriteUnbrotli(bb, res.Body())
	case 'd': // deflate
		n, err = fasthttp.WriteInflate(bb, res.Body())
	case 'g': // gzip
		n, err = fasthttp.WriteGunzip(bb, res.Body())
	}

	if err != nil {
		return errors.Wrap(err, "decompressing response body")
	}

	if n > 0 {
		res.SetBody(bb.B)
	}

	return nil
}
