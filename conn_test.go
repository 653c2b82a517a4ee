package http2

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/fatal10110/http2/http2utils"
)

// testPeer scripts the server side of an engine connection over an
// in-memory pipe. A background goroutine owns the decode side (it
// answers SETTINGS on its own); every test drives the write side.
type testPeer struct {
	t *testing.T
	c net.Conn

	br *bufio.Reader
	bw *bufio.Writer

	wlck sync.Mutex

	enc *HPACK
	dec *HPACK

	settings *Settings

	frames chan *FrameHeader
}

func newTestConn(t *testing.T, configure func(*Settings)) (*Conn, *testPeer) {
	t.Helper()

	cc, pc := net.Pipe()

	st := &Settings{}
	st.Reset()
	if configure != nil {
		configure(st)
	}

	p := &testPeer{
		t:        t,
		c:        pc,
		br:       bufio.NewReader(pc),
		bw:       bufio.NewWriter(pc),
		enc:      AcquireHPACK(),
		dec:      AcquireHPACK(),
		settings: st,
		frames:   make(chan *FrameHeader, 64),
	}

	go p.serve()

	conn := NewConn(cc, ConnOpts{})
	require.NoError(t, conn.Handshake())

	t.Cleanup(func() {
		_ = conn.Close()
		_ = pc.Close()
	})

	return conn, p
}

func (p *testPeer) serve() {
	preface := make([]byte, len(http2Preface))
	if _, err := io.ReadFull(p.br, preface); err != nil {
		return
	}
	if !bytes.Equal(preface, http2Preface) {
		p.t.Errorf("bad preface: %q", preface)
		return
	}

	for {
		fr, err := ReadFrameFromWithSize(p.br, 1<<24)
		if err != nil {
			return
		}

		if fr.Type() == FrameSettings {
			if st := fr.Body().(*Settings); !st.IsAck() {
				// announce our settings first so the client applies
				// them before its handshake resolves, then ack. The
				// writes run apart from this reader: the client acks
				// our settings from its read loop, and a net.Pipe
				// write blocks until the other side reads it.
				go func() {
					p.writeSettings(p.settings, false)
					p.writeSettings(nil, true)
				}()
			}

			ReleaseFrameHeader(fr)
			continue
		}

		p.frames <- fr
	}
}

func (p *testPeer) writeFrame(fr *FrameHeader) {
	p.wlck.Lock()
	defer p.wlck.Unlock()

	if _, err := fr.WriteTo(p.bw); err == nil {
		_ = p.bw.Flush()
	}
}

func (p *testPeer) writeSettings(st *Settings, ack bool) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	body := AcquireFrame(FrameSettings).(*Settings)
	if ack {
		body.SetAck(true)
	} else {
		st.CopyTo(body)
		body.SetAck(false)
	}

	fr.SetBody(body)
	p.writeFrame(fr)
}

func (p *testPeer) writeResponseHeaders(stream uint32, status int, endStream bool) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	h := AcquireFrame(FrameHeaders).(*Headers)

	hf := AcquireHeaderField()
	hf.SetBytes(StringStatus, []byte(strconv.Itoa(status)))
	h.AppendHeaderField(p.enc, hf, true)
	ReleaseHeaderField(hf)

	h.SetEndHeaders(true)
	h.SetEndStream(endStream)

	fr.SetBody(h)
	fr.SetStream(stream)

	p.writeFrame(fr)
}

func (p *testPeer) writeWindowUpdate(stream uint32, increment int) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(increment)

	fr.SetBody(wu)
	fr.SetStream(stream)

	p.writeFrame(fr)
}

func (p *testPeer) writeGoAway(last uint32, code ErrorCode) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(last)
	ga.SetCode(code)

	fr.SetBody(ga)

	p.writeFrame(fr)
}

func (p *testPeer) writePushPromise(stream, promised uint32) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	pp := AcquireFrame(FramePushPromise).(*PushPromise)
	pp.stream = promised

	fr.SetBody(pp)
	fr.SetStream(stream)
	fr.SetFlags(fr.Flags().Add(FlagEndHeaders))

	p.writeFrame(fr)
}

// writeRawFrame writes a frame without going through a typed body, so
// tests can put malformed payloads on the wire.
func (p *testPeer) writeRawFrame(kind FrameType, stream uint32, payload []byte) {
	p.wlck.Lock()
	defer p.wlck.Unlock()

	var h [DefaultFrameSize]byte
	http2utils.Uint24ToBytes(h[:3], uint32(len(payload)))
	h[3] = byte(kind)
	http2utils.Uint32ToBytes(h[5:], stream)

	if _, err := p.bw.Write(h[:]); err == nil {
		if _, err = p.bw.Write(payload); err == nil {
			_ = p.bw.Flush()
		}
	}
}

// next waits for the next engine frame of the wanted type, skipping
// anything else (window refills, pings).
func (p *testPeer) next(want FrameType) *FrameHeader {
	p.t.Helper()

	deadline := time.After(time.Second * 3)

	for {
		select {
		case fr := <-p.frames:
			if fr.Type() == want {
				return fr
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s", want)
			return nil
		}
	}
}

func (p *testPeer) decodeBlock(block []byte) map[string]string {
	p.t.Helper()

	_, err := p.dec.Read(block)
	require.NoError(p.t, err)

	headers := make(map[string]string, len(p.dec.fields))
	for _, hf := range p.dec.fields {
		headers[hf.Key()] = hf.Value()
	}

	p.dec.releaseFields()

	return headers
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()

	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second * 3):
		t.Fatal("timed out waiting for the request to resolve")
		return nil
	}
}

func TestConnGetWithoutBody(t *testing.T) {
	conn, p := newTestConn(t, nil)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h:443/x")

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Do(req, res) }()

	fr := p.next(FrameHeaders)
	require.Equal(t, uint32(1), fr.Stream())
	require.True(t, fr.Flags().Has(FlagEndStream))
	require.True(t, fr.Flags().Has(FlagEndHeaders))

	headers := p.decodeBlock(fr.Body().(*Headers).Headers())
	require.Equal(t, "GET", headers[":method"])
	require.Equal(t, "https", headers[":scheme"])
	require.Equal(t, "h", headers[":authority"])
	require.Equal(t, "/x", headers[":path"])

	p.writeResponseHeaders(1, 200, true)

	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 200, res.StatusCode())
	require.Empty(t, res.Body())
}

func TestConnPostBodySplitsByFrameSize(t *testing.T) {
	conn, p := newTestConn(t, nil)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h/upload")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetBody(bytes.Repeat([]byte{'b'}, 40000))

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Do(req, res) }()

	fr := p.next(FrameHeaders)
	require.Equal(t, uint32(1), fr.Stream())
	require.False(t, fr.Flags().Has(FlagEndStream))
	require.True(t, fr.Flags().Has(FlagEndHeaders))
	p.decodeBlock(fr.Body().(*Headers).Headers())

	expected := []int{16384, 16384, 7232}
	for i, size := range expected {
		dfr := p.next(FrameData)
		data := dfr.Body().(*Data)

		require.Equal(t, uint32(1), dfr.Stream())
		require.Equal(t, size, data.Len(), "frame %d", i)
		require.Equal(t, i == len(expected)-1, data.EndStream(), "frame %d", i)
	}

	p.writeResponseHeaders(1, 200, true)
	require.NoError(t, waitErr(t, errCh))
}

func TestConnHeadersSplitIntoContinuation(t *testing.T) {
	conn, p := newTestConn(t, nil)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h/big")
	req.Header.Set("x-big", string(bytes.Repeat([]byte{'W'}, 40000)))

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Do(req, res) }()

	fr := p.next(FrameHeaders)
	h := fr.Body().(*Headers)
	require.False(t, h.EndHeaders())
	require.LessOrEqual(t, len(h.Headers()), 16384)

	block := append([]byte(nil), h.Headers()...)

	for {
		cfr := p.next(FrameContinuation)
		cont := cfr.Body().(*Continuation)

		require.Equal(t, uint32(1), cfr.Stream())
		require.LessOrEqual(t, len(cont.Headers()), 16384)

		block = append(block, cont.Headers()...)

		if cont.EndHeaders() {
			break
		}
	}

	headers := p.decodeBlock(block)
	require.Equal(t, "/big", headers[":path"])
	require.Len(t, headers["x-big"], 40000)

	p.writeResponseHeaders(1, 200, true)
	require.NoError(t, waitErr(t, errCh))
}

func TestConnBodyBlocksOnWindow(t *testing.T) {
	conn, p := newTestConn(t, func(st *Settings) {
		st.SetMaxWindowSize(1024)
	})

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h/upload")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetBody(bytes.Repeat([]byte{'b'}, 3072))

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Do(req, res) }()

	p.next(FrameHeaders)

	dfr := p.next(FrameData)
	require.Equal(t, 1024, dfr.Body().(*Data).Len())
	require.False(t, dfr.Body().(*Data).EndStream())

	// the sender is now starved; grant credit on both scopes
	p.writeWindowUpdate(0, 2048)
	p.writeWindowUpdate(1, 2048)

	got := 0
	for got < 2048 {
		dfr = p.next(FrameData)
		data := dfr.Body().(*Data)

		got += data.Len()
		require.Equal(t, got == 2048, data.EndStream())
	}

	p.writeResponseHeaders(1, 200, true)
	require.NoError(t, waitErr(t, errCh))
}

func TestConnPushPromiseRefused(t *testing.T) {
	conn, p := newTestConn(t, nil)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h/")

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Do(req, res) }()

	p.next(FrameHeaders)

	p.writePushPromise(1, 2)

	rst := p.next(FrameResetStream)
	require.Equal(t, uint32(2), rst.Stream())
	require.Equal(t, RefusedStreamError, rst.Body().(*RstStream).Code())

	// the push never surfaces to the caller
	p.writeResponseHeaders(1, 200, true)
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 200, res.StatusCode())
}

func TestConnPriorityIgnored(t *testing.T) {
	conn, p := newTestConn(t, nil)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h/")

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Do(req, res) }()

	p.next(FrameHeaders)

	// a well-formed PRIORITY is dropped without any effect
	p.writeRawFrame(FramePriority, 1, []byte{0, 0, 0, 0, 10})

	p.writeResponseHeaders(1, 200, true)

	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 200, res.StatusCode())
	require.True(t, conn.IsAlive())
}

func TestConnMalformedPriorityResetsStreamOnly(t *testing.T) {
	conn, p := newTestConn(t, nil)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h/")

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Do(req, res) }()

	p.next(FrameHeaders)

	// a PRIORITY with a wrong length is a stream error, not a
	// connection error
	p.writeRawFrame(FramePriority, 1, []byte{0, 0, 0})

	rst := p.next(FrameResetStream)
	require.Equal(t, uint32(1), rst.Stream())
	require.Equal(t, FrameSizeError, rst.Body().(*RstStream).Code())

	require.ErrorIs(t, waitErr(t, errCh), NewStreamError(FrameSizeError, ""))

	// the connection survives and keeps serving requests
	require.True(t, conn.IsAlive())

	res.Reset()

	errCh2 := make(chan error, 1)
	go func() { errCh2 <- conn.Do(req, res) }()

	fr := p.next(FrameHeaders)
	require.Equal(t, uint32(3), fr.Stream())

	p.writeResponseHeaders(3, 200, true)
	require.NoError(t, waitErr(t, errCh2))
	require.Equal(t, 200, res.StatusCode())
}

func TestConnGoAwayMidFlight(t *testing.T) {
	conn, p := newTestConn(t, nil)

	type inflight struct {
		req   *fasthttp.Request
		res   *fasthttp.Response
		errCh chan error
	}

	var reqs []inflight

	// open streams 1, 3 and 5 in order
	for i := 0; i < 3; i++ {
		fl := inflight{
			req:   fasthttp.AcquireRequest(),
			res:   fasthttp.AcquireResponse(),
			errCh: make(chan error, 1),
		}
		fl.req.SetRequestURI("https://h/" + strconv.Itoa(i))
		reqs = append(reqs, fl)

		go func(fl inflight) { fl.errCh <- conn.Do(fl.req, fl.res) }(fl)

		fr := p.next(FrameHeaders)
		require.Equal(t, uint32(1+2*i), fr.Stream())
		p.decodeBlock(fr.Body().(*Headers).Headers())
	}

	p.writeGoAway(3, NoError)

	// stream 5 was never processed
	require.ErrorIs(t, waitErr(t, reqs[2].errCh), ErrNotProcessed)

	// streams at or below the last id complete normally
	p.writeResponseHeaders(1, 200, true)
	require.NoError(t, waitErr(t, reqs[0].errCh))

	p.writeResponseHeaders(3, 204, true)
	require.NoError(t, waitErr(t, reqs[1].errCh))
	require.Equal(t, 204, reqs[1].res.StatusCode())

	// new sends fail immediately
	require.ErrorIs(t, conn.Do(reqs[0].req, reqs[0].res), ErrNotProcessed)

	for _, fl := range reqs {
		fasthttp.ReleaseRequest(fl.req)
		fasthttp.ReleaseResponse(fl.res)
	}
}

func TestConnStreamIDsAreOddAndIncreasing(t *testing.T) {
	conn, p := newTestConn(t, nil)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h/")

	for i := 0; i < 3; i++ {
		errCh := make(chan error, 1)
		go func() { errCh <- conn.Do(req, res) }()

		fr := p.next(FrameHeaders)
		require.Equal(t, uint32(1+2*i), fr.Stream())

		p.writeResponseHeaders(fr.Stream(), 200, true)
		require.NoError(t, waitErr(t, errCh))
	}
}

func TestConnResponseBody(t *testing.T) {
	conn, p := newTestConn(t, nil)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.SetRequestURI("https://h/data")

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Do(req, res) }()

	fr := p.next(FrameHeaders)
	require.Equal(t, uint32(1), fr.Stream())

	p.writeResponseHeaders(1, 200, false)

	fr2 := AcquireFrameHeader()
	data := AcquireFrame(FrameData).(*Data)
	data.SetData([]byte("hello h2"))
	data.SetEndStream(true)
	fr2.SetBody(data)
	fr2.SetStream(1)
	p.writeFrame(fr2)
	ReleaseFrameHeader(fr2)

	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 200, res.StatusCode())
	require.Equal(t, "hello h2", string(res.Body()))
}
