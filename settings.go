package http2

import (
	"github.com/fatal10110/http2/http2utils"
)

const FrameSettings FrameType = 0x4

var _ Frame = &Settings{}

const (
	// default Settings parameters
	defaultHeaderTableSize   uint32 = 4096
	defaultConcurrentStreams uint32 = 100
	defaultMaxWindowSize     uint32 = 1<<16 - 1
	defaultMaxFrameSize      uint32 = 1 << 14

	maxWindowSize = 1<<31 - 1
	maxFrameSize  = 1<<24 - 1

	// FrameSettings string values (https://httpwg.org/specs/rfc7540.html#SettingValues)
	HeaderTableSize      uint16 = 0x1
	EnablePush           uint16 = 0x2
	MaxConcurrentStreams uint16 = 0x3
	InitialWindowSize    uint16 = 0x4
	MaxFrameSize         uint16 = 0x5
	MaxHeaderListSize    uint16 = 0x6
)

// Settings defines the HTTP/2 settings of a peer.
//
// Values are semantically unsigned 32 bits. Anything above 2^31-1 is
// clamped to 2^31-1 so they can safely enter signed window math.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
type Settings struct {
	ack bool

	tableSize   uint32
	enablePush  bool
	maxStreams  uint32
	windowSize  uint32
	frameSize   uint32
	listSize    uint32
	hasListSize bool
	rawSettings []byte
}

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// Reset resets settings to their default values.
func (st *Settings) Reset() {
	st.ack = false
	st.tableSize = defaultHeaderTableSize
	st.enablePush = false
	st.maxStreams = defaultConcurrentStreams
	st.windowSize = defaultMaxWindowSize
	st.frameSize = defaultMaxFrameSize
	st.listSize = 0
	st.hasListSize = false
	st.rawSettings = st.rawSettings[:0]
}

// CopyTo copies st fields to st2.
func (st *Settings) CopyTo(st2 *Settings) {
	st2.ack = st.ack
	st2.tableSize = st.tableSize
	st2.enablePush = st.enablePush
	st2.maxStreams = st.maxStreams
	st2.windowSize = st.windowSize
	st2.frameSize = st.frameSize
	st2.listSize = st.listSize
	st2.hasListSize = st.hasListSize
	st2.rawSettings = append(st2.rawSettings[:0], st.rawSettings...)
}

// SetHeaderTableSize sets the maximum size of the header compression table.
func (st *Settings) SetHeaderTableSize(size uint32) {
	st.tableSize = clampInt31(size)
}

// HeaderTableSize returns the maximum size of the header compression table.
func (st *Settings) HeaderTableSize() uint32 {
	return st.tableSize
}

// SetPush sets whether the peer is allowed to push.
func (st *Settings) SetPush(value bool) {
	st.enablePush = value
}

// Push returns whether the peer is allowed to push.
func (st *Settings) Push() bool {
	return st.enablePush
}

// SetMaxConcurrentStreams sets the maximum number of concurrent streams.
func (st *Settings) SetMaxConcurrentStreams(streams uint32) {
	st.maxStreams = clampInt31(streams)
}

// MaxConcurrentStreams returns the maximum number of concurrent streams.
func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxStreams
}

// SetMaxWindowSize sets the initial stream-level flow-control window size.
func (st *Settings) SetMaxWindowSize(size uint32) {
	st.windowSize = size
}

// MaxWindowSize returns the initial stream-level flow-control window size.
func (st *Settings) MaxWindowSize() uint32 {
	return st.windowSize
}

// SetMaxFrameSize sets the largest frame payload the peer is willing to receive.
func (st *Settings) SetMaxFrameSize(size uint32) {
	st.frameSize = size
}

// MaxFrameSize returns the largest frame payload the peer is willing to receive.
func (st *Settings) MaxFrameSize() uint32 {
	return st.frameSize
}

// SetMaxHeaderListSize sets the maximum size of a header list.
func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.listSize = clampInt31(size)
	st.hasListSize = true
}

// MaxHeaderListSize returns the maximum size of a header list.
// Zero means no limit.
func (st *Settings) MaxHeaderListSize() uint32 {
	return st.listSize
}

// IsAck returns true if the settings frame only acknowledges the
// peer's settings.
func (st *Settings) IsAck() bool {
	return st.ack
}

// SetAck marks the settings frame as an acknowledgment.
func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

func clampInt31(n uint32) uint32 {
	if n > 1<<31-1 {
		n = 1<<31 - 1
	}

	return n
}

// Read parses and applies the wire representation of the settings.
//
// Unknown identifiers are ignored (https://tools.ietf.org/html/rfc7540#section-6.5.2).
func (st *Settings) Read(d []byte) error {
	if len(d)%6 != 0 {
		return NewError(FrameSizeError, "SETTINGS payload must be a multiple of 6 bytes")
	}

	for i := 0; i < len(d); i += 6 {
		key := uint16(d[i])<<8 | uint16(d[i+1])
		value := http2utils.BytesToUint32(d[i+2 : i+6])

		switch key {
		case HeaderTableSize:
			st.tableSize = clampInt31(value)
		case EnablePush:
			if value > 1 {
				return NewError(ProtocolError, "SETTINGS_ENABLE_PUSH must be 0 or 1")
			}
			st.enablePush = value == 1
		case MaxConcurrentStreams:
			st.maxStreams = clampInt31(value)
		case InitialWindowSize:
			if value > maxWindowSize {
				return NewError(FlowControlError, "SETTINGS_INITIAL_WINDOW_SIZE above 2^31-1")
			}
			st.windowSize = value
		case MaxFrameSize:
			if value < defaultMaxFrameSize || value > maxFrameSize {
				return NewError(ProtocolError, "SETTINGS_MAX_FRAME_SIZE out of range")
			}
			st.frameSize = value
		case MaxHeaderListSize:
			st.listSize = clampInt31(value)
			st.hasListSize = true
		}
	}

	return nil
}

// Encode encodes the settings to be sent through the wire.
func (st *Settings) Encode() {
	st.rawSettings = st.rawSettings[:0]
	if st.tableSize != 0 {
		st.rawSettings = appendSetting(st.rawSettings, HeaderTableSize, st.tableSize)
	}
	if st.enablePush {
		st.rawSettings = appendSetting(st.rawSettings, EnablePush, 1)
	} else {
		st.rawSettings = appendSetting(st.rawSettings, EnablePush, 0)
	}
	if st.maxStreams != 0 {
		st.rawSettings = appendSetting(st.rawSettings, MaxConcurrentStreams, st.maxStreams)
	}
	if st.windowSize != 0 {
		st.rawSettings = appendSetting(st.rawSettings, InitialWindowSize, st.windowSize)
	}
	if st.frameSize != 0 {
		st.rawSettings = appendSetting(st.rawSettings, MaxFrameSize, st.frameSize)
	}
	if st.hasListSize {
		st.rawSettings = appendSetting(st.rawSettings, MaxHeaderListSize, st.listSize)
	}
}

func appendSetting(dst []byte, id uint16, value uint32) []byte {
	dst = append(dst, byte(id>>8), byte(id))
	return http2utils.AppendUint32Bytes(dst, value)
}

func (st *Settings) Deserialize(frh *FrameHeader) error {
	st.ack = frh.Flags().Has(FlagAck)

	if st.ack {
		if len(frh.payload) != 0 {
			return NewError(FrameSizeError, "SETTINGS ACK must have an empty payload")
		}

		return nil
	}

	return st.Read(frh.payload)
}

func (st *Settings) Serialize(frh *FrameHeader) {
	if st.ack {
		frh.SetFlags(frh.Flags().Add(FlagAck))
		frh.payload = frh.payload[:0]
		return
	}

	st.Encode()
	frh.setPayload(st.rawSettings)
}
