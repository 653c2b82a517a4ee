package http2

import (
	"sync"
)

// FrameType represents the frame type (https://httpwg.org/specs/rfc7540.html#FrameTypes)
type FrameType int8

func (ft FrameType) String() string {
	switch ft {
	case FrameData:
		return "FrameData"
	case FrameHeaders:
		return "FrameHeaders"
	case FramePriority:
		return "FramePriority"
	case FrameResetStream:
		return "FrameResetStream"
	case FrameSettings:
		return "FrameSettings"
	case FramePushPromise:
		return "FramePushPromise"
	case FramePing:
		return "FramePing"
	case FrameGoAway:
		return "FrameGoAway"
	case FrameWindowUpdate:
		return "FrameWindowUpdate"
	case FrameContinuation:
		return "FrameContinuation"
	}

	return "FrameUnknown"
}

// FrameFlags defines the flags of a Frame.
type FrameFlags int8

// Has returns true if `f` is in the frame flags or false otherwise.
func (flags FrameFlags) Has(f FrameFlags) bool {
	return (flags & f) == f
}

// Add adds a flag to the frame flags.
func (flags FrameFlags) Add(f FrameFlags) FrameFlags {
	return flags | f
}

// Del deletes f from the frame flags.
func (flags FrameFlags) Del(f FrameFlags) FrameFlags {
	return flags &^ f
}

// Frame is the interface implemented by all frame types.
//
// A Frame only describes the payload of an HTTP/2 frame. The framing
// itself (length, type, flags and stream id) lives in FrameHeader.
type Frame interface {
	// Type returns the frame type.
	Type() FrameType

	// Reset resets the frame values.
	Reset()

	// Deserialize deserializes the frame payload from the FrameHeader.
	Deserialize(*FrameHeader) error
	// Serialize serializes the frame payload into the FrameHeader.
	Serialize(*FrameHeader)
}

var framePools = func() [FrameContinuation + 1]*sync.Pool {
	var pools [FrameContinuation + 1]*sync.Pool

	pools[FrameData] = &sync.Pool{New: func() interface{} { return &Data{} }}
	pools[FrameHeaders] = &sync.Pool{New: func() interface{} { return &Headers{} }}
	pools[FramePriority] = &sync.Pool{New: func() interface{} { return &Priority{} }}
	pools[FrameResetStream] = &sync.Pool{New: func() interface{} { return &RstStream{} }}
	pools[FrameSettings] = &sync.Pool{New: func() interface{} { return &Settings{} }}
	pools[FramePushPromise] = &sync.Pool{New: func() interface{} { return &PushPromise{} }}
	pools[FramePing] = &sync.Pool{New: func() interface{} { return &Ping{} }}
	pools[FrameGoAway] = &sync.Pool{New: func() interface{} { return &GoAway{} }}
	pools[FrameWindowUpdate] = &sync.Pool{New: func() interface{} { return &WindowUpdate{} }}
	pools[FrameContinuation] = &sync.Pool{New: func() interface{} { return &Continuation{} }}

	return pools
}()

// AcquireFrame gets a Frame of the given type from the pool.
func AcquireFrame(ftype FrameType) Frame {
	if ftype < 0 || int(ftype) >= len(framePools) {
		return nil
	}

	fr := framePools[ftype].Get().(Frame)
	fr.Reset()
	return fr
}

// ReleaseFrame puts fr back to its pool.
func ReleaseFrame(fr Frame) {
	if fr == nil {
		return
	}

	framePools[fr.Type()].Put(fr)
}
