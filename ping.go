package http2

import (
	"encoding/binary"
	"time"
)

const FramePing FrameType = 0x6

var _ Frame = &Ping{}

// Ping ...
//
// https://tools.ietf.org/html/rfc7540#section-6.7
type Ping struct {
	ack  bool
	data [8]byte
}

func (ping *Ping) Type() FrameType {
	return FramePing
}

func (ping *Ping) Reset() {
	ping.ack = false
	ping.data = [8]byte{}
}

func (ping *Ping) CopyTo(p *Ping) {
	p.ack = ping.ack
	p.data = ping.data
}

func (ping *Ping) Write(b []byte) (n int, err error) {
	n = copy(ping.data[:], b)
	return
}

func (ping *Ping) SetData(b []byte) {
	copy(ping.data[:], b)
}

// SetCurrentTime stores the current timestamp in the ping payload.
func (ping *Ping) SetCurrentTime() {
	binary.BigEndian.PutUint64(ping.data[:], uint64(time.Now().UnixNano()))
}

// DataAsTime reads the ping payload back as a timestamp.
func (ping *Ping) DataAsTime() time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(ping.data[:])))
}

func (ping *Ping) SetAck(ack bool) {
	ping.ack = ack
}

func (ping *Ping) IsAck() bool {
	return ping.ack
}

func (ping *Ping) Data() []byte {
	return ping.data[:]
}

func (ping *Ping) Deserialize(frh *FrameHeader) error {
	if len(frh.payload) != 8 {
		return NewError(FrameSizeError, "PING payload must be 8 bytes")
	}

	ping.ack = frh.Flags().Has(FlagAck)
	ping.SetData(frh.payload)
	return nil
}

func (ping *Ping) Serialize(fr *FrameHeader) {
	if ping.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}

	fr.setPayload(ping.data[:])
}
