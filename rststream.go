package http2

import (
	"github.com/fatal10110/http2/http2utils"
)

const FrameResetStream FrameType = 0x3

var _ Frame = &RstStream{}

// RstStream carries the immediate termination of a stream.
//
// https://tools.ietf.org/html/rfc7540#section-6.4
type RstStream struct {
	code ErrorCode
}

func (rst *RstStream) Type() FrameType {
	return FrameResetStream
}

func (rst *RstStream) Code() ErrorCode {
	return rst.code
}

func (rst *RstStream) SetCode(code ErrorCode) {
	rst.code = code
}

func (rst *RstStream) Reset() {
	rst.code = 0
}

func (rst *RstStream) CopyTo(r *RstStream) {
	r.code = rst.code
}

// Error returns the protocol error carried by the frame.
func (rst *RstStream) Error() error {
	return NewStreamError(rst.code, "peer reset the stream")
}

func (rst *RstStream) Deserialize(fr *FrameHeader) error {
	if len(fr.payload) != 4 {
		return NewError(FrameSizeError, "RST_STREAM payload must be 4 bytes")
	}

	rst.code = ErrorCode(http2utils.BytesToUint32(fr.payload))

	return nil
}

func (rst *RstStream) Serialize(fr *FrameHeader) {
	fr.payload = http2utils.AppendUint32Bytes(fr.payload[:0], uint32(rst.code))
	fr.length = 4
}
