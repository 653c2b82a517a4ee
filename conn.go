package http2

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	// DefaultPingInterval is the default interval in which the client
	// pings the server to keep the connection alive.
	DefaultPingInterval = time.Second * 10

	// DefaultMaxResponseBodySize caps the in-memory response body at
	// 100 MiB. A negative ConnOpts.MaxResponseBodySize disables the cap.
	DefaultMaxResponseBodySize = 100 << 20

	defaultHandshakeTimeout = time.Second * 5
	goawayWriteTimeout      = time.Second
	readLoopJoinTimeout     = time.Second * 2

	defaultConnWindowSize = 1 << 20

	maxStreamID = 1<<31 - 1
)

// http://httpwg.org/specs/rfc7540.html#ConnectionHeader
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// WritePreface writes the connection preface to bw.
func WritePreface(bw *bufio.Writer) error {
	_, err := bw.Write(http2Preface)
	if err == nil {
		err = bw.Flush()
	}

	return err
}

// ConnOpts defines the connection options.
type ConnOpts struct {
	// PingInterval defines the interval in which the client will ping the server.
	//
	// An interval of 0 will make the library to use DefaultPingInterval. Because ping intervals can't be disabled.
	PingInterval time.Duration
	// DisablePingChecking disables the unanswered-ping accounting.
	DisablePingChecking bool
	// OnDisconnect is a callback that fires when the Conn disconnects.
	OnDisconnect func(c *Conn)
	// OnRTT is called after every PING round-trip measurement.
	OnRTT func(time.Duration)
	// Logger receives connection lifecycle and protocol events.
	// Defaults to a nop logger.
	Logger *zap.Logger

	// MaxResponseBodySize limits the buffered response body.
	// Zero means DefaultMaxResponseBodySize, negative means unlimited.
	MaxResponseBodySize int
	// MaxFrameSize is the largest frame payload this endpoint accepts.
	// Values outside 16384..16777215 fall back to the default.
	MaxFrameSize uint32
	// MaxHeaderListSize limits the decoded header list of a response.
	// Zero means no limit.
	MaxHeaderListSize uint32
	// MaxConcurrentStreams advertised to the peer. Zero keeps the default (100).
	MaxConcurrentStreams uint32
	// HeaderTableSize advertised to the peer and applied to the
	// decoding table. Zero keeps the default (4096).
	HeaderTableSize uint32
}

// Conn represents a raw HTTP/2 connection over a duplex byte stream.
//
// The engine owns the stream after creation: one background read loop
// consumes every inbound frame while any number of goroutines send
// requests concurrently. Every wire write goes through a single
// non-reentrant mutex which is released between the HEADERS burst and
// each DATA frame.
type Conn struct {
	c net.Conn

	br *bufio.Reader
	bw *bufio.Writer

	// wlck serializes every wire write. The encoder-side HPACK and its
	// dynamic table are only touched while holding it.
	wlck sync.Mutex

	enc *HPACK // encoding side, guarded by wlck
	dec *HPACK // decoding side, read loop only

	nextID uint32 // atomic, odd, strictly increasing

	// connection-level flow control. sendWindow is the credit granted
	// by the peer, recvWindow the credit we granted.
	sendWindow int32
	recvWindow int32
	maxWindow  int32

	// windowCh wakes one blocked sender per inbound WINDOW_UPDATE.
	// Woken senders re-check their windows and wait again if starved.
	windowCh chan struct{}

	current Settings // local settings, read-only after NewConn
	serverS Settings // remote settings, owned by the read loop

	// atomic mirrors of the remote settings the senders need
	serverFrameSize    uint32
	serverStreams      uint32
	serverStreamWindow int32

	ackCh chan struct{}

	strms       sync.Map // stream id -> *ClientStream
	openStreams int32

	// continuationStream is non-zero while a header block is split
	// across CONTINUATION frames. Read loop only.
	continuationStream uint32

	goaway       uint32 // atomic flag
	lastStreamID uint32 // atomic, filled by GOAWAY

	closed   uint32
	closer   chan struct{}
	readDone chan struct{}

	unacks       int32
	disableAcks  bool
	pingInterval time.Duration

	maxBodySize  int
	logger       *zap.Logger
	onDisconnect func(*Conn)
	onRTT        func(time.Duration)

	errLck  sync.Mutex
	lastErr error
}

// NewConn returns a new HTTP/2 connection over c.
// To start using the connection you need to call Handshake.
func NewConn(c net.Conn, opts ConnOpts) *Conn {
	nc := &Conn{
		c:            c,
		br:           bufio.NewReaderSize(c, 4096),
		bw:           bufio.NewWriterSize(c, maxFrameSize),
		enc:          AcquireHPACK(),
		dec:          AcquireHPACK(),
		nextID:       1,
		sendWindow:   int32(defaultMaxWindowSize),
		recvWindow:   defaultConnWindowSize,
		maxWindow:    defaultConnWindowSize,
		windowCh:     make(chan struct{}, 1),
		ackCh:        make(chan struct{}, 1),
		closer:       make(chan struct{}),
		readDone:     make(chan struct{}),
		pingInterval: opts.PingInterval,
		disableAcks:  opts.DisablePingChecking,
		maxBodySize:  opts.MaxResponseBodySize,
		logger:       opts.Logger,
		onDisconnect: opts.OnDisconnect,
		onRTT:        opts.OnRTT,
	}

	if nc.logger == nil {
		nc.logger = zap.NewNop()
	}

	if nc.maxBodySize == 0 {
		nc.maxBodySize = DefaultMaxResponseBodySize
	} else if nc.maxBodySize < 0 {
		nc.maxBodySize = 0
	}

	nc.current.Reset()
	nc.current.SetPush(false)
	nc.current.SetMaxWindowSize(defaultConnWindowSize)

	if opts.MaxFrameSize >= defaultMaxFrameSize && opts.MaxFrameSize <= maxFrameSize {
		nc.current.SetMaxFrameSize(opts.MaxFrameSize)
	}
	if opts.MaxHeaderListSize > 0 {
		nc.current.SetMaxHeaderListSize(opts.MaxHeaderListSize)
	}
	if opts.MaxConcurrentStreams > 0 {
		nc.current.SetMaxConcurrentStreams(opts.MaxConcurrentStreams)
	}
	if opts.HeaderTableSize > 0 {
		nc.current.SetHeaderTableSize(opts.HeaderTableSize)
		nc.dec.SetMaxTableSize(int(nc.current.HeaderTableSize()))
	}

	nc.serverS.Reset()
	atomic.StoreUint32(&nc.serverFrameSize, nc.serverS.MaxFrameSize())
	atomic.StoreUint32(&nc.serverStreams, nc.serverS.MaxConcurrentStreams())
	atomic.StoreInt32(&nc.serverStreamWindow, int32(nc.serverS.MaxWindowSize()))

	return nc
}

// Dialer allows to create HTTP/2 connections by specifying an address
// and tls configuration.
type Dialer struct {
	// Addr is the server's address in the form: `host:port`.
	Addr string

	// TLSConfig is the tls configuration.
	//
	// If TLSConfig is nil, a default one will be defined on the Dial call.
	TLSConfig *tls.Config

	// PingInterval defines the interval in which the client will ping the server.
	PingInterval time.Duration
}

func (d *Dialer) tryDial() (net.Conn, error) {
	if d.TLSConfig == nil || !func() bool {
		for _, proto := range d.TLSConfig.NextProtos {
			if proto == H2TLSProto {
				return true
			}
		}

		return false
	}() {
		configureDialer(d)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", d.Addr)
	if err != nil {
		return nil, err
	}

	c, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(c, d.TLSConfig)

	if err := tlsConn.Handshake(); err != nil {
		_ = c.Close()
		return nil, err
	}

	if tlsConn.ConnectionState().NegotiatedProtocol != H2TLSProto {
		_ = tlsConn.Close()
		return nil, ErrServerSupport
	}

	return tlsConn, nil
}

// Dial creates an HTTP/2 connection or returns an error.
//
// An expected error is ErrServerSupport.
func (d *Dialer) Dial(opts ConnOpts) (*Conn, error) {
	c, err := d.tryDial()
	if err != nil {
		return nil, err
	}

	if opts.PingInterval == 0 {
		opts.PingInterval = d.PingInterval
	}

	nc := NewConn(c, opts)

	err = nc.Handshake()
	return nc, err
}

// SetOnDisconnect sets the callback that will fire when the HTTP/2
// connection is closed.
func (c *Conn) SetOnDisconnect(cb func(*Conn)) {
	c.onDisconnect = cb
}

// LastErr returns the last registered error in case the connection was
// closed by the server.
func (c *Conn) LastErr() error {
	c.errLck.Lock()
	defer c.errLck.Unlock()

	return c.lastErr
}

func (c *Conn) setLastErr(err error) {
	if err == nil {
		return
	}

	c.errLck.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.errLck.Unlock()
}

// Handshake writes the preface and the initial SETTINGS, starts the
// background read loop and waits for the peer to acknowledge the
// settings within 5 seconds. If an error is returned the connection
// has been closed.
func (c *Conn) Handshake() error {
	err := WritePreface(c.bw)
	if err == nil {
		fr := AcquireFrameHeader()

		st := AcquireFrame(FrameSettings).(*Settings)
		c.current.CopyTo(st)
		fr.SetBody(st)

		if _, err = fr.WriteTo(c.bw); err == nil {
			// raise the connection window above the protocol default
			fr2 := AcquireFrameHeader()
			wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
			wu.SetIncrement(int(c.maxWindow) - int(defaultMaxWindowSize))
			fr2.SetBody(wu)

			if _, err = fr2.WriteTo(c.bw); err == nil {
				err = c.bw.Flush()
			}

			ReleaseFrameHeader(fr2)
		}

		ReleaseFrameHeader(fr)
	}

	if err != nil {
		_ = c.c.Close()
		return err
	}

	go c.readLoop()
	go c.pingLoop()

	timer := time.NewTimer(defaultHandshakeTimeout)
	defer timer.Stop()

	select {
	case <-c.ackCh:
	case <-timer.C:
		c.setLastErr(NewError(SettingsTimeoutError, "no SETTINGS ack"))
		_ = c.Close()
		return ErrTimeout
	case <-c.readDone:
		err = c.LastErr()
		if err == nil {
			err = ErrConnDisposed
		}
		_ = c.Close()
		return err
	}

	c.logger.Debug("handshake complete",
		zap.String("addr", c.c.RemoteAddr().String()))

	return nil
}

// Closed indicates whether the connection is closed or not.
func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

// GoAwayReceived tells whether the peer started a graceful shutdown.
func (c *Conn) GoAwayReceived() bool {
	return atomic.LoadUint32(&c.goaway) == 1
}

// LastStreamID returns the highest stream id the peer reported as
// processed in its GOAWAY. Only meaningful after GoAwayReceived.
func (c *Conn) LastStreamID() uint32 {
	return atomic.LoadUint32(&c.lastStreamID)
}

// IsAlive returns whether the connection can take new requests:
// not closed, not goaway'd, read loop still running.
func (c *Conn) IsAlive() bool {
	if c.Closed() || c.GoAwayReceived() {
		return false
	}

	select {
	case <-c.readDone:
		return false
	default:
		return true
	}
}

// CanOpenStream returns whether the client will be able to open a new
// stream or not.
func (c *Conn) CanOpenStream() bool {
	return atomic.LoadInt32(&c.openStreams) < int32(atomic.LoadUint32(&c.serverStreams))
}

func (c *Conn) remoteFrameSize() int {
	return int(atomic.LoadUint32(&c.serverFrameSize))
}

// Close closes the connection gracefully: a best-effort GOAWAY is
// sent, the read loop is joined and every remaining stream fails with
// ErrConnDisposed.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return ErrConnDisposed
	}

	close(c.closer)

	last := atomic.LoadUint32(&c.nextID)
	if last >= 3 {
		last -= 2
	} else {
		last = 0
	}

	c.wlck.Lock()
	_ = c.c.SetWriteDeadline(time.Now().Add(goawayWriteTimeout))

	fr := AcquireFrameHeader()
	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(last)
	ga.SetCode(NoError)
	fr.SetBody(ga)

	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
	}

	ReleaseFrameHeader(fr)
	_ = c.c.SetWriteDeadline(time.Time{})
	c.wlck.Unlock()

	_ = c.c.Close()

	timer := time.NewTimer(readLoopJoinTimeout)
	defer timer.Stop()

	select {
	case <-c.readDone:
	case <-timer.C:
		c.logger.Warn("read loop did not exit in time")
	}

	c.failAll(ErrConnDisposed)

	if c.onDisconnect != nil {
		c.onDisconnect(c)
	}

	c.logger.Debug("connection disposed", zap.Error(err))

	return err
}

// fatal tears the connection down after a connection-level protocol
// violation: GOAWAY is sent best-effort, every stream fails and the
// byte stream is closed.
func (c *Conn) fatal(code ErrorCode, debug string, err error) {
	c.setLastErr(err)

	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closer)

		c.wlck.Lock()
		_ = c.c.SetWriteDeadline(time.Now().Add(goawayWriteTimeout))

		fr := AcquireFrameHeader()
		ga := AcquireFrame(FrameGoAway).(*GoAway)
		ga.SetStream(0)
		ga.SetCode(code)
		ga.SetData([]byte(debug))
		fr.SetBody(ga)

		if _, werr := fr.WriteTo(c.bw); werr == nil {
			_ = c.bw.Flush()
		}

		ReleaseFrameHeader(fr)
		c.wlck.Unlock()

		_ = c.c.Close()

		if c.onDisconnect != nil {
			c.onDisconnect(c)
		}
	}

	c.failAll(err)
}

// failAll resolves every active stream with err and empties the map.
func (c *Conn) failAll(err error) {
	c.strms.Range(func(k, v interface{}) bool {
		strm := v.(*ClientStream)

		c.strms.Delete(k)
		atomic.AddInt32(&c.openStreams, -1)
		strm.complete(err)

		return true
	})
}

func (c *Conn) writeFrame(fr *FrameHeader) error {
	c.wlck.Lock()
	defer c.wlck.Unlock()

	return c.writeFrameLocked(fr)
}

func (c *Conn) writeFrameLocked(fr *FrameHeader) error {
	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
	}

	return err
}

// Do sends the request over this connection and waits for the
// response.
func (c *Conn) Do(req *fasthttp.Request, res *fasthttp.Response) error {
	return c.DoWithContext(context.Background(), req, res)
}

// DoWithContext sends the request over this connection honoring the
// context. Cancellation resets the stream with CANCEL.
func (c *Conn) DoWithContext(ctx context.Context, req *fasthttp.Request, res *fasthttp.Response) error {
	if c.Closed() {
		return ErrConnDisposed
	}
	if c.GoAwayReceived() {
		return ErrNotProcessed
	}
	if !c.CanOpenStream() {
		return ErrNotAvailableStreams
	}

	id := atomic.AddUint32(&c.nextID, 2) - 2
	if id > maxStreamID {
		return ErrStreamExhausted
	}

	strm := acquireClientStream(id, res)
	strm.sendWindow = atomic.LoadInt32(&c.serverStreamWindow)
	strm.recvWindow = int32(c.current.MaxWindowSize())

	c.strms.Store(id, strm)
	atomic.AddInt32(&c.openStreams, 1)

	// the flags may have flipped while we were inserting
	if c.Closed() || c.GoAwayReceived() {
		c.strms.Delete(id)
		atomic.AddInt32(&c.openStreams, -1)

		if c.Closed() {
			return ErrConnDisposed
		}

		return ErrNotProcessed
	}

	body := req.Body()

	if err := c.writeHeaders(strm, req, len(body) == 0); err != nil {
		c.strms.Delete(id)
		atomic.AddInt32(&c.openStreams, -1)
		c.setLastErr(err)
		return err
	}

	if len(body) > 0 {
		if err := c.writeBody(ctx, strm, body); err != nil {
			c.strms.Delete(id)
			atomic.AddInt32(&c.openStreams, -1)
			return err
		}
	}

	select {
	case err := <-strm.done:
		c.strms.Delete(id)
		if err == nil {
			releaseClientStream(strm)
		}
		return err
	case <-ctx.Done():
		c.cancelStream(strm)
		return ctx.Err()
	case <-c.closer:
		c.strms.Delete(id)
		return ErrConnDisposed
	}
}

// cancelStream resets a stream the caller no longer waits on.
func (c *Conn) cancelStream(strm *ClientStream) {
	if !strm.complete(context.Canceled) {
		return
	}

	c.strms.Delete(strm.id)
	atomic.AddInt32(&c.openStreams, -1)

	if !c.Closed() {
		c.writeReset(strm.id, StreamCanceled)
	}
}

// writeReset sends RST_STREAM best-effort.
func (c *Conn) writeReset(id uint32, code ErrorCode) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(code)

	fr.SetBody(rst)
	fr.SetStream(id)

	if err := c.writeFrame(fr); err != nil {
		c.logger.Debug("RST_STREAM write failed",
			zap.Uint32("stream", id), zap.Error(err))
	}
}

// writeHeaders encodes the request headers and emits the
// HEADERS (+CONTINUATION) burst. The write lock is held contiguously
// across the burst so header blocks of concurrent requests never
// interleave.
func (c *Conn) writeHeaders(strm *ClientStream, req *fasthttp.Request, endStream bool) error {
	c.wlck.Lock()
	defer c.wlck.Unlock()

	if c.Closed() {
		return ErrConnDisposed
	}

	block := c.encodeHeaders(nil, req)
	maxFrame := c.remoteFrameSize()

	fr := AcquireFrameHeader()
	fr.SetStream(strm.id)

	h := AcquireFrame(FrameHeaders).(*Headers)
	fr.SetBody(h)

	n := len(block)
	if n > maxFrame {
		n = maxFrame
	}

	h.SetHeaders(block[:n])
	h.SetEndHeaders(n == len(block))
	h.SetEndStream(endStream)
	h.SetPadding(false)

	_, err := fr.WriteTo(c.bw)
	ReleaseFrameHeader(fr)

	for block = block[n:]; err == nil && len(block) > 0; block = block[n:] {
		n = len(block)
		if n > maxFrame {
			n = maxFrame
		}

		fr = AcquireFrameHeader()
		fr.SetStream(strm.id)

		cont := AcquireFrame(FrameContinuation).(*Continuation)
		cont.SetHeader(block[:n])
		cont.SetEndHeaders(n == len(block))
		fr.SetBody(cont)

		_, err = fr.WriteTo(c.bw)
		ReleaseFrameHeader(fr)
	}

	if err == nil {
		err = c.bw.Flush()
	}

	if err != nil {
		return err
	}

	if endStream {
		strm.setState(StreamStateHalfClosedLocal)
	} else {
		strm.setState(StreamStateOpen)
	}

	return nil
}

// encodeHeaders serializes the request header list: the pseudo-headers
// first, in the order :method, :scheme, :authority, :path, then the
// lowercased regular headers. Connection-specific HTTP/1 headers are
// dropped (https://tools.ietf.org/html/rfc7540#section-8.1.2.2).
//
// The caller must hold the write lock: the encoder table mutates here.
func (c *Conn) encodeHeaders(dst []byte, req *fasthttp.Request) []byte {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	uri := req.URI()

	hf.SetBytes(StringMethod, req.Header.Method())
	dst = c.enc.AppendHeader(dst, hf, true)

	hf.SetBytes(StringScheme, uri.Scheme())
	dst = c.enc.AppendHeader(dst, hf, true)

	hf.SetKeyBytes(StringAuthority)
	hf.value = appendAuthority(hf.value[:0], uri)
	dst = c.enc.AppendHeader(dst, hf, true)

	hf.SetBytes(StringPath, uri.RequestURI())
	dst = c.enc.AppendHeader(dst, hf, true)

	req.Header.VisitAll(func(k, v []byte) {
		if len(k) > 0 && k[0] == ':' {
			return
		}

		hf.key = ToLower(append(hf.key[:0], k...))

		for _, skip := range connSpecificHeaders {
			if bytes.Equal(hf.key, skip) {
				return
			}
		}

		if bytes.Equal(hf.key, StringTE) && !bytes.EqualFold(v, StringTrailers) {
			return
		}

		hf.SetValueBytes(v)
		dst = c.enc.AppendHeader(dst, hf, true)
	})

	return dst
}

// appendAuthority writes host[:port], keeping the port only when it is
// not the default one for the scheme.
func appendAuthority(dst []byte, uri *fasthttp.URI) []byte {
	host := uri.Host()

	colon := bytes.LastIndexByte(host, ':')
	if colon < 0 || bytes.IndexByte(host[colon:], ']') >= 0 {
		// no port
		return append(dst, host...)
	}

	port := host[colon+1:]
	isHTTPS := bytes.Equal(uri.Scheme(), []byte("https"))

	if (isHTTPS && bytes.Equal(port, []byte("443"))) ||
		(!isHTTPS && bytes.Equal(port, []byte("80"))) {
		return append(dst, host[:colon]...)
	}

	return append(dst, host...)
}

// writeBody sends the request body as DATA frames. The write lock is
// taken per frame and both windows are re-read after acquisition:
// holding it across a window wait is exactly the historical deadlock
// this engine is built to avoid.
func (c *Conn) writeBody(ctx context.Context, strm *ClientStream, body []byte) error {
	sent := 0

	for sent < len(body) {
		if strm.Completed() {
			// reset or canceled while sending
			return nil
		}

		c.wlck.Lock()

		if c.Closed() {
			c.wlck.Unlock()
			return ErrConnDisposed
		}

		n := atomic.LoadInt32(&c.sendWindow)
		if sw := atomic.LoadInt32(&strm.sendWindow); sw < n {
			n = sw
		}
		if mf := int32(c.remoteFrameSize()); mf < n {
			n = mf
		}
		if rem := int32(len(body) - sent); rem < n {
			n = rem
		}

		if n <= 0 {
			c.wlck.Unlock()

			select {
			case <-c.windowCh:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closer:
				return ErrConnDisposed
			}
		}

		atomic.AddInt32(&c.sendWindow, -n)
		atomic.AddInt32(&strm.sendWindow, -n)

		last := sent+int(n) == len(body)

		fr := AcquireFrameHeader()
		fr.SetStream(strm.id)

		data := AcquireFrame(FrameData).(*Data)
		data.SetData(body[sent : sent+int(n)])
		data.SetPadding(false)
		data.SetEndStream(last)
		fr.SetBody(data)

		err := c.writeFrameLocked(fr)

		ReleaseFrameHeader(fr)
		c.wlck.Unlock()

		if err != nil {
			c.setLastErr(err)
			return err
		}

		sent += int(n)
	}

	strm.setState(StreamStateHalfClosedLocal)

	return nil
}

// signalWindow wakes up one sender blocked on flow control.
func (c *Conn) signalWindow() {
	select {
	case c.windowCh <- struct{}{}:
	default:
	}
}

func (c *Conn) pingLoop() {
	interval := c.pingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.disableAcks && atomic.LoadInt32(&c.unacks) >= 3 {
				c.setLastErr(ErrTimeout)
				c.fatal(NoError, "", ErrTimeout)
				return
			}

			fr := AcquireFrameHeader()

			ping := AcquireFrame(FramePing).(*Ping)
			ping.SetCurrentTime()
			fr.SetBody(ping)

			err := c.writeFrame(fr)
			ReleaseFrameHeader(fr)

			if err != nil {
				return
			}

			atomic.AddInt32(&c.unacks, 1)
		case <-c.closer:
			return
		}
	}
}

// readLoop is the sole owner of the decode side. It reads one frame at
// a time and dispatches it until the connection dies.
func (c *Conn) readLoop() {
	defer close(c.readDone)

	var err error

loop:
	for {
		var fr *FrameHeader

		fr, err = ReadFrameFromWithSize(c.br, c.current.MaxFrameSize())
		if err != nil {
			break loop
		}

		if c.continuationStream != 0 &&
			(fr.Type() != FrameContinuation || fr.Stream() != c.continuationStream) {
			ReleaseFrameHeader(fr)
			err = NewError(ProtocolError, "expected CONTINUATION for the open header block")
			break loop
		}

		if fr.Body() == nil {
			// unknown frame type, ignored
			ReleaseFrameHeader(fr)
			continue
		}

		switch fr.Type() {
		case FrameData:
			err = c.handleData(fr)
		case FrameHeaders:
			err = c.handleHeaders(fr)
		case FrameContinuation:
			err = c.handleContinuation(fr)
		case FrameSettings:
			err = c.handleSettings(fr)
		case FramePing:
			err = c.handlePing(fr)
		case FrameGoAway:
			err = c.handleGoAway(fr)
		case FrameWindowUpdate:
			err = c.handleWindowUpdate(fr)
		case FrameResetStream:
			err = c.handleRstStream(fr)
		case FramePushPromise:
			err = c.handlePushPromise(fr)
		case FramePriority:
			err = c.handlePriority(fr)
		}

		ReleaseFrameHeader(fr)

		if err != nil {
			break loop
		}
	}

	if c.Closed() {
		// i/o errors after dispose are expected
		return
	}

	var herr Error
	switch {
	case errors.As(err, &herr) && !herr.IsStream():
		c.logger.Error("connection error", zap.Error(herr))
		c.fatal(herr.Code(), herr.Debug(), herr)
	case err != nil:
		// stream-scoped errors are resolved at dispatch and never get
		// here; anything else ending the loop is fatal
		c.logger.Debug("read loop error", zap.Error(err))
		c.setLastErr(err)
		c.fatal(InternalError, "", err)
	default:
		c.failAll(ErrConnDisposed)
	}
}

// closeStream removes the stream from the active map and resolves it.
func (c *Conn) closeStream(strm *ClientStream, err error) {
	c.strms.Delete(strm.id)
	atomic.AddInt32(&c.openStreams, -1)
	strm.complete(err)
}

// resetStream drops the stream with a RST_STREAM and resolves it with err.
func (c *Conn) resetStream(strm *ClientStream, code ErrorCode, err error) {
	c.closeStream(strm, err)
	c.writeReset(strm.id, code)
}

func (c *Conn) getStream(id uint32) *ClientStream {
	if v, ok := c.strms.Load(id); ok {
		return v.(*ClientStream)
	}

	return nil
}

func (c *Conn) handleData(fr *FrameHeader) error {
	if fr.Stream() == 0 {
		return NewError(ProtocolError, "DATA on stream 0")
	}

	// flow control accounts the whole frame payload, padding included
	// (https://tools.ietf.org/html/rfc7540#section-6.1)
	flowLen := int32(fr.Len())

	connWin := atomic.LoadInt32(&c.recvWindow)
	if flowLen > connWin {
		return NewError(FlowControlError, "connection window exceeded")
	}

	connWin = atomic.AddInt32(&c.recvWindow, -flowLen)
	if connWin < c.maxWindow/2 {
		c.updateWindow(0, int(c.maxWindow-connWin))
		atomic.StoreInt32(&c.recvWindow, c.maxWindow)
	}

	strm := c.getStream(fr.Stream())
	if strm == nil {
		c.writeReset(fr.Stream(), StreamClosedError)
		return nil
	}

	if !strm.headersReceived {
		c.resetStream(strm, ProtocolError,
			NewStreamError(ProtocolError, "DATA before HEADERS"))
		return nil
	}

	if flowLen > strm.recvWindow {
		c.resetStream(strm, FlowControlError,
			NewStreamError(FlowControlError, "stream window exceeded"))
		return nil
	}

	strm.recvWindow -= flowLen

	data := fr.Body().(*Data)

	if data.Len() > 0 {
		if c.maxBodySize > 0 && strm.bodyLen+data.Len() > c.maxBodySize {
			c.resetStream(strm, StreamCanceled, ErrBodyTooLarge)
			return nil
		}

		strm.res.AppendBody(data.Data())
		strm.bodyLen += data.Len()
	}

	if data.EndStream() {
		strm.closeRemote()
		c.closeStream(strm, nil)
		return nil
	}

	initial := int32(c.current.MaxWindowSize())
	if strm.recvWindow < initial/2 {
		c.updateWindow(strm.id, int(initial-strm.recvWindow))
		strm.recvWindow = initial
	}

	return nil
}

// updateWindow grants size octets back on the given scope.
func (c *Conn) updateWindow(streamID uint32, size int) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(streamID)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(size)

	fr.SetBody(wu)

	if err := c.writeFrame(fr); err != nil {
		c.logger.Debug("WINDOW_UPDATE write failed",
			zap.Uint32("stream", streamID), zap.Error(err))
	}
}

func (c *Conn) handleHeaders(fr *FrameHeader) error {
	if fr.Stream() == 0 {
		return NewError(ProtocolError, "HEADERS on stream 0")
	}

	strm := c.getStream(fr.Stream())
	if strm == nil {
		c.writeReset(fr.Stream(), StreamClosedError)
		return nil
	}

	h := fr.Body().(*Headers)

	strm.headerBuf = append(strm.headerBuf, h.Headers()...)

	if h.EndStream() {
		strm.pendingEndStream = true
	}

	if !h.EndHeaders() {
		c.continuationStream = fr.Stream()
		return nil
	}

	return c.finishHeaderBlock(strm)
}

func (c *Conn) handleContinuation(fr *FrameHeader) error {
	if c.continuationStream == 0 {
		return NewError(ProtocolError, "CONTINUATION without an open header block")
	}

	strm := c.getStream(fr.Stream())
	if strm == nil {
		// the stream vanished mid-block; the block still has to be
		// decoded to keep the table in sync, which finishHeaderBlock
		// can't do without a stream. Tear down instead.
		return NewError(ProtocolError, "CONTINUATION for an unknown stream")
	}

	cont := fr.Body().(*Continuation)

	strm.headerBuf = append(strm.headerBuf, cont.Headers()...)

	if !cont.EndHeaders() {
		return nil
	}

	c.continuationStream = 0

	return c.finishHeaderBlock(strm)
}

// finishHeaderBlock decodes the accumulated header block, enforces the
// header list limit and populates the response. HPACK failures are
// connection-fatal; anything else fails only the stream.
func (c *Conn) finishHeaderBlock(strm *ClientStream) error {
	c.continuationStream = 0

	block := strm.headerBuf
	listLimit := int(c.current.MaxHeaderListSize())

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	c.dec.beginBlock()

	listSize := 0

	for len(block) > 0 {
		var err error

		block, err = c.dec.Next(hf, block)
		if err != nil {
			return err
		}

		if hf.Empty() {
			continue
		}

		listSize += hf.Size()
		if listLimit > 0 && listSize > listLimit {
			c.resetStream(strm, ProtocolError,
				NewStreamError(ProtocolError, "header list too large"))
			return nil
		}

		if hf.IsPseudo() {
			if bytes.Equal(hf.KeyBytes(), StringStatus) {
				code, err := strconv.Atoi(hf.Value())
				if err != nil || code < 100 || code > 999 {
					c.resetStream(strm, ProtocolError,
						NewStreamError(ProtocolError, "malformed :status"))
					return nil
				}

				strm.res.SetStatusCode(code)
			}

			continue
		}

		if bytes.Equal(hf.KeyBytes(), StringContentLength) {
			n, _ := strconv.Atoi(hf.Value())
			strm.res.Header.SetContentLength(n)
		} else {
			strm.res.Header.AddBytesKV(hf.KeyBytes(), hf.ValueBytes())
		}
	}

	strm.headersReceived = true
	strm.headerBuf = strm.headerBuf[:0]

	if strm.pendingEndStream {
		strm.closeRemote()
		c.closeStream(strm, nil)
	}

	return nil
}

func (c *Conn) handleSettings(fr *FrameHeader) error {
	if fr.Stream() != 0 {
		return NewError(ProtocolError, "SETTINGS on a non-zero stream")
	}

	st := fr.Body().(*Settings)

	if st.IsAck() {
		select {
		case c.ackCh <- struct{}{}:
		default:
		}

		return nil
	}

	prevWin := int32(c.serverS.MaxWindowSize())

	st.CopyTo(&c.serverS)

	atomic.StoreUint32(&c.serverFrameSize, c.serverS.MaxFrameSize())
	atomic.StoreUint32(&c.serverStreams, c.serverS.MaxConcurrentStreams())
	atomic.StoreInt32(&c.serverStreamWindow, int32(c.serverS.MaxWindowSize()))

	// re-baseline every active stream's send window
	// (https://tools.ietf.org/html/rfc7540#section-6.9.2)
	if delta := int32(c.serverS.MaxWindowSize()) - prevWin; delta != 0 {
		c.strms.Range(func(_, v interface{}) bool {
			strm := v.(*ClientStream)

			for {
				cur := atomic.LoadInt32(&strm.sendWindow)
				next := int64(cur) + int64(delta)

				if next > maxWindowSize {
					c.resetStream(strm, FlowControlError,
						NewStreamError(FlowControlError, "window re-baseline overflow"))
					break
				}

				if atomic.CompareAndSwapInt32(&strm.sendWindow, cur, int32(next)) {
					break
				}
			}

			return true
		})

		if delta > 0 {
			c.signalWindow()
		}
	}

	// ack under the write lock; the encoder table limit changes with it
	c.wlck.Lock()
	c.enc.UpdateMaxTableSize(int(c.serverS.HeaderTableSize()))

	fr2 := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)
	fr2.SetBody(stRes)

	err := c.writeFrameLocked(fr2)

	ReleaseFrameHeader(fr2)
	c.wlck.Unlock()

	return err
}

func (c *Conn) handlePing(fr *FrameHeader) error {
	if fr.Stream() != 0 {
		return NewError(ProtocolError, "PING on a non-zero stream")
	}

	ping := fr.Body().(*Ping)

	if ping.IsAck() {
		atomic.AddInt32(&c.unacks, -1)

		if c.onRTT != nil {
			c.onRTT(time.Since(ping.DataAsTime()))
		}

		return nil
	}

	// echo back under the write lock
	fr2 := AcquireFrameHeader()

	pong := AcquireFrame(FramePing).(*Ping)
	pong.SetData(ping.Data())
	pong.SetAck(true)
	fr2.SetBody(pong)

	err := c.writeFrame(fr2)
	ReleaseFrameHeader(fr2)

	return err
}

func (c *Conn) handleGoAway(fr *FrameHeader) error {
	ga := fr.Body().(*GoAway)

	atomic.StoreUint32(&c.goaway, 1)
	atomic.StoreUint32(&c.lastStreamID, ga.Stream())

	if ga.Code() != NoError {
		c.setLastErr(ga.Copy())
	}

	c.logger.Info("GOAWAY received",
		zap.Uint32("last_stream", ga.Stream()),
		zap.String("code", ga.Code().String()))

	// streams above the last processed id never ran on the peer
	c.strms.Range(func(k, v interface{}) bool {
		strm := v.(*ClientStream)

		if strm.id > ga.Stream() {
			c.closeStream(strm, ErrNotProcessed)
		}

		return true
	})

	return nil
}

func (c *Conn) handleWindowUpdate(fr *FrameHeader) error {
	wu := fr.Body().(*WindowUpdate)

	if wu.Increment() == 0 {
		if fr.Stream() == 0 {
			return NewError(ProtocolError, "WINDOW_UPDATE with a zero increment")
		}

		if strm := c.getStream(fr.Stream()); strm != nil {
			c.resetStream(strm, ProtocolError,
				NewStreamError(ProtocolError, "WINDOW_UPDATE with a zero increment"))
		}

		return nil
	}

	if fr.Stream() == 0 {
		for {
			cur := atomic.LoadInt32(&c.sendWindow)
			next := int64(cur) + int64(wu.Increment())

			if next > maxWindowSize {
				return NewError(FlowControlError, "connection window overflow")
			}

			if atomic.CompareAndSwapInt32(&c.sendWindow, cur, int32(next)) {
				break
			}
		}

		c.signalWindow()
		return nil
	}

	strm := c.getStream(fr.Stream())
	if strm == nil {
		// stream already gone, the credit is moot
		return nil
	}

	for {
		cur := atomic.LoadInt32(&strm.sendWindow)
		next := int64(cur) + int64(wu.Increment())

		if next > maxWindowSize {
			c.resetStream(strm, FlowControlError,
				NewStreamError(FlowControlError, "stream window overflow"))
			return nil
		}

		if atomic.CompareAndSwapInt32(&strm.sendWindow, cur, int32(next)) {
			break
		}
	}

	c.signalWindow()
	return nil
}

func (c *Conn) handleRstStream(fr *FrameHeader) error {
	if fr.Stream() == 0 {
		return NewError(ProtocolError, "RST_STREAM on stream 0")
	}

	strm := c.getStream(fr.Stream())
	if strm == nil {
		return nil
	}

	rst := fr.Body().(*RstStream)

	var err error
	if rst.Code() == StreamCanceled {
		err = context.Canceled
	} else {
		err = rst.Error()
	}

	c.closeStream(strm, err)

	return nil
}

// handlePriority validates the frame, then drops it: priority
// scheduling is deprecated by RFC 9113. A wrong payload length is a
// stream error (https://tools.ietf.org/html/rfc7540#section-6.3).
func (c *Conn) handlePriority(fr *FrameHeader) error {
	if fr.Stream() == 0 {
		return NewError(ProtocolError, "PRIORITY on stream 0")
	}

	if fr.Len() != 5 {
		if strm := c.getStream(fr.Stream()); strm != nil {
			c.resetStream(strm, FrameSizeError,
				NewStreamError(FrameSizeError, "PRIORITY payload must be 5 bytes"))
		} else {
			c.writeReset(fr.Stream(), FrameSizeError)
		}

		return nil
	}

	c.logger.Debug("PRIORITY ignored", zap.Uint32("stream", fr.Stream()))

	return nil
}

func (c *Conn) handlePushPromise(fr *FrameHeader) error {
	pp := fr.Body().(*PushPromise)

	// this client never accepts pushes, whatever ENABLE_PUSH the peer
	// believes it saw
	c.writeReset(pp.Promised(), RefusedStreamError)

	c.logger.Debug("PUSH_PROMISE refused",
		zap.Uint32("promised", pp.Promised()))

	return nil
}
