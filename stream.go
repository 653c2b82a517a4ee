package http2

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
)

// StreamState follows the states described in
// https://tools.ietf.org/html/rfc7540#section-5.1.
type StreamState int32

const (
	StreamStateIdle StreamState = iota
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateIdle:
		return "Idle"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosedLocal:
		return "HalfClosedLocal"
	case StreamStateHalfClosedRemote:
		return "HalfClosedRemote"
	case StreamStateClosed:
		return "Closed"
	}

	return "Unknown"
}

// ClientStream is the per-request state of one HTTP/2 stream.
//
// The send window is touched concurrently by the sending goroutine and
// the read loop, so it only moves through atomic operations. The receive
// window, the header buffer and the response fields belong to the read
// loop alone.
type ClientStream struct {
	id    uint32
	state int32 // StreamState, atomic

	// sendWindow may briefly go negative when the peer lowers
	// SETTINGS_INITIAL_WINDOW_SIZE mid-flight.
	sendWindow int32
	recvWindow int32

	headerBuf        []byte
	pendingEndStream bool
	headersReceived  bool

	res     *fasthttp.Response
	bodyLen int

	completed uint32
	done      chan error
}

var streamPool = sync.Pool{
	New: func() interface{} {
		return &ClientStream{}
	},
}

func acquireClientStream(id uint32, res *fasthttp.Response) *ClientStream {
	strm := streamPool.Get().(*ClientStream)

	strm.id = id
	strm.state = int32(StreamStateIdle)
	strm.sendWindow = 0
	strm.recvWindow = 0
	strm.headerBuf = strm.headerBuf[:0]
	strm.pendingEndStream = false
	strm.headersReceived = false
	strm.res = res
	strm.bodyLen = 0
	strm.completed = 0
	strm.done = make(chan error, 1)

	return strm
}

func releaseClientStream(strm *ClientStream) {
	strm.res = nil
	strm.done = nil
	streamPool.Put(strm)
}

// ID returns the stream id.
func (strm *ClientStream) ID() uint32 {
	return strm.id
}

// State returns the current stream state.
func (strm *ClientStream) State() StreamState {
	return StreamState(atomic.LoadInt32(&strm.state))
}

func (strm *ClientStream) setState(state StreamState) {
	atomic.StoreInt32(&strm.state, int32(state))
}

// closeRemote moves the stream after an END_STREAM from the peer.
func (strm *ClientStream) closeRemote() {
	switch strm.State() {
	case StreamStateHalfClosedLocal:
		strm.setState(StreamStateClosed)
	default:
		strm.setState(StreamStateHalfClosedRemote)
	}
}

// complete resolves the stream exactly once. A nil error means the
// response is fully populated.
func (strm *ClientStream) complete(err error) bool {
	if !atomic.CompareAndSwapUint32(&strm.completed, 0, 1) {
		return false
	}

	strm.setState(StreamStateClosed)
	strm.done <- err

	return true
}

// Done returns the single-shot completion channel.
func (strm *ClientStream) Done() <-chan error {
	return strm.done
}

// Completed tells whether the stream has already been resolved.
func (strm *ClientStream) Completed() bool {
	return atomic.LoadUint32(&strm.completed) == 1
}
