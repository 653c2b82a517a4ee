package http2

import (
	"bytes"
	"errors"
	"sync"
)

// HPACK represents header compression methods to
// encode and decode header fields in HTTP/2.
//
// HPACK is equivalent to an HTTP/1 header.
//
// Use AcquireHPACK to acquire a new HPACK structure.
//
// Every connection holds two independent HPACK instances: one for the
// encoding side, one for the decoding side. Their dynamic tables
// evolve separately and must never be shared.
type HPACK struct {
	// DisableCompression disables huffman encoding of string literals.
	DisableCompression bool

	// fields are the header fields decoded by the last Read call.
	fields []*HeaderField

	// dynamic is the dynamic table. dynamic[0] is the newest entry and
	// maps to HPACK index 62 (https://tools.ietf.org/html/rfc7541#section-2.3.3).
	dynamic []*HeaderField

	// tableSize is the sum of Size() of all dynamic entries.
	// maxTableSize is the current working budget; maxLimit is the
	// protocol ceiling negotiated through SETTINGS_HEADER_TABLE_SIZE,
	// which a peer size update may lower but never exceed.
	tableSize    int
	maxTableSize int
	maxLimit     int

	// pendingUpdate makes the encoder emit a dynamic-table-size-update
	// instruction at the start of the next header block.
	pendingUpdate bool
	// expectUpdate makes the decoder require a dynamic-table-size-update
	// instruction at the head of the next header block.
	expectUpdate bool
	// blockHead is true while no regular instruction has been read in
	// the current block. Size updates are only valid there.
	blockHead bool
}

var hpackPool = sync.Pool{
	New: func() interface{} {
		return &HPACK{
			maxTableSize: int(defaultHeaderTableSize),
			maxLimit:     int(defaultHeaderTableSize),
		}
	},
}

// AcquireHPACK gets HPACK from the pool.
func AcquireHPACK() *HPACK {
	hp := hpackPool.Get().(*HPACK)
	hp.Reset()
	return hp
}

// ReleaseHPACK puts HPACK to the pool.
func ReleaseHPACK(hp *HPACK) {
	hp.Reset()
	hpackPool.Put(hp)
}

func (hp *HPACK) releaseDynamic() {
	for _, hf := range hp.dynamic {
		ReleaseHeaderField(hf)
	}
	hp.dynamic = hp.dynamic[:0]
	hp.tableSize = 0
}

func (hp *HPACK) releaseFields() {
	for _, hf := range hp.fields {
		ReleaseHeaderField(hf)
	}
	hp.fields = hp.fields[:0]
}

// Reset deletes and releases all dynamic header fields.
func (hp *HPACK) Reset() {
	hp.releaseDynamic()
	hp.releaseFields()
	hp.tableSize = 0
	hp.maxTableSize = int(defaultHeaderTableSize)
	hp.maxLimit = int(defaultHeaderTableSize)
	hp.DisableCompression = false
	hp.pendingUpdate = false
	hp.expectUpdate = false
	hp.blockHead = false
}

// SetMaxTableSize sets the maximum dynamic table size without any
// wire-level signaling. Use it when configuring the table before the
// first header block.
func (hp *HPACK) SetMaxTableSize(size int) {
	hp.maxLimit = size

	if size == hp.maxTableSize {
		return
	}

	hp.maxTableSize = size
	hp.evict()
}

// UpdateMaxTableSize applies a size change negotiated through
// SETTINGS_HEADER_TABLE_SIZE mid-connection.
//
// On the encoding side the new size is announced to the peer with a
// size-update instruction at the start of the next header block. On
// the decoding side a lowered size makes a peer size update mandatory.
func (hp *HPACK) UpdateMaxTableSize(size int) {
	hp.maxLimit = size

	if size == hp.maxTableSize {
		return
	}

	if size < hp.maxTableSize {
		hp.expectUpdate = true
	}

	hp.maxTableSize = size
	hp.pendingUpdate = true
	hp.evict()
}

// DynamicSize returns the octet size of the dynamic table.
func (hp *HPACK) DynamicSize() int {
	return hp.tableSize
}

// add adds a copy of hf as the newest entry of the dynamic table,
// evicting from the oldest end until the entry fits.
//
// An entry bigger than the whole table empties it and is not stored
// (https://tools.ietf.org/html/rfc7541#section-4.4).
func (hp *HPACK) add(hf *HeaderField) {
	size := hf.Size()
	if size > hp.maxTableSize {
		hp.releaseDynamic()
		return
	}

	for hp.tableSize+size > hp.maxTableSize {
		n := len(hp.dynamic) - 1
		hp.tableSize -= hp.dynamic[n].Size()
		ReleaseHeaderField(hp.dynamic[n])
		hp.dynamic = hp.dynamic[:n]
	}

	cp := AcquireHeaderField()
	hf.CopyTo(cp)

	hp.dynamic = append(hp.dynamic, nil)
	copy(hp.dynamic[1:], hp.dynamic)
	hp.dynamic[0] = cp
	hp.tableSize += size
}

func (hp *HPACK) evict() {
	for hp.tableSize > hp.maxTableSize {
		n := len(hp.dynamic) - 1
		hp.tableSize -= hp.dynamic[n].Size()
		ReleaseHeaderField(hp.dynamic[n])
		hp.dynamic = hp.dynamic[:n]
	}
}

// staticTableLen is the number of entries of the HPACK static table
// (https://tools.ietf.org/html/rfc7541#appendix-A).
const staticTableLen = 61

// get resolves an HPACK index over static and dynamic tables.
//
// Index 0 and any index past the dynamic table are compression errors.
func (hp *HPACK) get(i uint64) (*HeaderField, error) {
	if i == 0 {
		return nil, NewError(CompressionError, "header index is zero")
	}

	if i <= staticTableLen {
		return &hpackStatic[i-1], nil
	}

	i -= staticTableLen + 1
	if i >= uint64(len(hp.dynamic)) {
		return nil, NewError(CompressionError, "header index out of range")
	}

	return hp.dynamic[i], nil
}

type matchKind int8

const (
	matchNone matchKind = iota
	matchName
	matchFull
)

// find searches both tables for hf. Static entries win over dynamic
// entries of the same match quality.
func (hp *HPACK) find(hf *HeaderField) (index uint64, kind matchKind) {
	for i := range hpackStatic {
		st := &hpackStatic[i]
		if !bytes.Equal(st.key, hf.key) {
			continue
		}

		if kind == matchNone {
			index, kind = uint64(i+1), matchName
		}

		if bytes.Equal(st.value, hf.value) {
			return uint64(i + 1), matchFull
		}
	}

	for i, dn := range hp.dynamic {
		if !bytes.Equal(dn.key, hf.key) {
			continue
		}

		if kind == matchNone {
			index, kind = uint64(i)+staticTableLen+1, matchName
		}

		if bytes.Equal(dn.value, hf.value) {
			return uint64(i) + staticTableLen + 1, matchFull
		}
	}

	return index, kind
}

// appendInt appends the n-bit prefix representation of i to dst
// (https://tools.ietf.org/html/rfc7541#section-5.1).
//
// The prefix bits already present in the last byte of dst are kept.
func appendInt(dst []byte, n uint8, i uint64) []byte {
	b := uint64(1)<<n - 1

	if i < b {
		if len(dst) == 0 {
			dst = append(dst, byte(i))
		} else {
			dst[len(dst)-1] |= byte(i)
		}
		return dst
	}

	if len(dst) == 0 {
		dst = append(dst, byte(b))
	} else {
		dst[len(dst)-1] |= byte(b)
	}

	i -= b
	for i >= 128 {
		dst = append(dst, byte(0x80|(i&0x7f)))
		i >>= 7
	}

	return append(dst, byte(i))
}

// readInt reads an n-bit prefix integer from b and returns the rest of
// the buffer. Continuations shifting past 28 bits overflow.
func readInt(n uint8, b []byte) ([]byte, uint64, error) {
	if len(b) == 0 {
		return b, 0, ErrMissingBytes
	}

	mask := uint64(1)<<n - 1
	num := uint64(b[0]) & mask
	if num < mask {
		return b[1:], num, nil
	}

	var m uint64
	i := 1
	for {
		if i == len(b) {
			return b, 0, ErrMissingBytes
		}

		c := b[i]
		i++

		num += uint64(c&0x7f) << m
		if c&0x80 != 0x80 {
			break
		}

		m += 7
		if m > 28 {
			return b, 0, ErrBitOverflow
		}
	}

	return b[i:], num, nil
}

// readString reads a length-prefixed string literal from b into dst.
func readString(dst, b []byte) ([]byte, []byte, error) {
	if len(b) == 0 {
		return dst, b, ErrMissingBytes
	}

	huffman := b[0]&0x80 == 0x80

	b, length, err := readInt(7, b)
	if err != nil {
		return dst, b, err
	}

	if uint64(len(b)) < length {
		return dst, b, ErrMissingBytes
	}

	if huffman {
		dst, err = huffmanDecode(dst[:0], b[:length])
	} else {
		dst = append(dst[:0], b[:length]...)
	}

	return dst, b[length:], err
}

// appendString appends the string literal representation of src.
//
// The huffman form is used only when strictly shorter than the raw
// octets, unless compression is disabled.
func (hp *HPACK) appendString(dst, src []byte) []byte {
	if !hp.DisableCompression {
		if n := huffmanEncodedLen(src); n < len(src) {
			dst = appendInt(append(dst, 0x80), 7, uint64(n))
			return huffmanEncode(dst, src)
		}
	}

	dst = appendInt(append(dst, 0), 7, uint64(len(src)))
	return append(dst, src...)
}

// beginBlock arms the per-block decoder state. It must be called once
// before iterating a header block with Next.
func (hp *HPACK) beginBlock() {
	hp.blockHead = true
}

// Next reads the next header field from b.
//
// Dynamic-table-size-update instructions are applied transparently;
// they are only legal at the head of a block. When b is exhausted by
// trailing updates, Next returns an untouched hf: callers must keep
// looping on the remaining length.
func (hp *HPACK) Next(hf *HeaderField, b []byte) ([]byte, error) {
	for len(b) > 0 && b[0]&0xe0 == 0x20 {
		if !hp.blockHead {
			return b, NewError(CompressionError, "size update not at block head")
		}

		var size uint64
		var err error

		b, size, err = readInt(5, b)
		if err != nil {
			return b, NewError(CompressionError, err.Error())
		}

		if size > uint64(hp.maxLimit) {
			return b, NewError(CompressionError, "size update above the negotiated limit")
		}

		hp.maxTableSize = int(size)
		hp.evict()

		hp.expectUpdate = false
	}

	if len(b) == 0 {
		return b, nil
	}

	if hp.expectUpdate {
		return b, NewError(CompressionError, "expected a size update at block head")
	}

	hp.blockHead = false

	var (
		i   uint64
		err error
	)

	c := b[0]
	switch {
	// An indexed header field representation identifies an entry in
	// either the static table or the dynamic table.
	// https://tools.ietf.org/html/rfc7541#section-6.1
	case c&0x80 == 0x80:
		b, i, err = readInt(7, b)
		if err == nil {
			var entry *HeaderField
			entry, err = hp.get(i)
			if err == nil {
				entry.CopyTo(hf)
			}
		}

	// A literal header field with incremental indexing is appended to
	// the decoded list and inserted into the dynamic table.
	// https://tools.ietf.org/html/rfc7541#section-6.2.1
	case c&0xc0 == 0x40:
		b, i, err = readInt(6, b)
		if err == nil {
			b, err = hp.readLiteral(i, b, hf)
			if err == nil {
				hp.add(hf)
			}
		}

	// A literal header field without indexing.
	// https://tools.ietf.org/html/rfc7541#section-6.2.2
	case c&0xf0 == 0x00:
		b, i, err = readInt(4, b)
		if err == nil {
			b, err = hp.readLiteral(i, b, hf)
		}

	// A literal header field never indexed. Intermediaries must keep
	// this representation.
	// https://tools.ietf.org/html/rfc7541#section-6.2.3
	case c&0xf0 == 0x10:
		b, i, err = readInt(4, b)
		if err == nil {
			b, err = hp.readLiteral(i, b, hf)
			hf.sensible = true
		}

	default:
		err = NewError(CompressionError, "unknown header representation")
	}

	if err != nil {
		var herr Error
		if !errors.As(err, &herr) {
			err = NewError(CompressionError, err.Error())
		}
	}

	return b, err
}

func (hp *HPACK) readLiteral(i uint64, b []byte, hf *HeaderField) ([]byte, error) {
	var err error

	if i == 0 {
		hf.key, b, err = readString(hf.key[:0], b)
		if err != nil {
			return b, err
		}
	} else {
		entry, err := hp.get(i)
		if err != nil {
			return b, err
		}

		hf.SetKeyBytes(entry.key)
	}

	hf.value, b, err = readString(hf.value[:0], b)

	return b, err
}

// Read decodes a whole header block into hp.fields.
//
// The caller owns the lifecycle of the decoded list through
// releaseFields.
func (hp *HPACK) Read(b []byte) ([]byte, error) {
	hp.beginBlock()

	for len(b) > 0 {
		hf := AcquireHeaderField()

		var err error
		b, err = hp.Next(hf, b)
		if err != nil {
			ReleaseHeaderField(hf)
			return b, err
		}

		if hf.Empty() {
			ReleaseHeaderField(hf)
			continue
		}

		hp.fields = append(hp.fields, hf)
	}

	return b, nil
}

// AppendHeader appends the HPACK representation of hf to dst.
//
// store allows the field to enter the dynamic table. Sensible fields
// never do, whatever store says.
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	if hp.pendingUpdate {
		dst = appendInt(append(dst, 0x20), 5, uint64(hp.maxTableSize))
		hp.pendingUpdate = false
	}

	index, kind := hp.find(hf)

	if hf.IsSensible() {
		dst = append(dst, 0x10)
		if kind != matchNone {
			dst = appendInt(dst, 4, index)
		} else {
			dst = hp.appendString(dst, hf.key)
		}

		return hp.appendString(dst, hf.value)
	}

	if kind == matchFull {
		return appendInt(append(dst, 0x80), 7, index)
	}

	if !store {
		dst = append(dst, 0x00)
		if kind == matchName {
			dst = appendInt(dst, 4, index)
		} else {
			dst = hp.appendString(dst, hf.key)
		}

		return hp.appendString(dst, hf.value)
	}

	dst = append(dst, 0x40)
	if kind == matchName {
		dst = appendInt(dst, 6, index)
	} else {
		dst = hp.appendString(dst, hf.key)
	}

	dst = hp.appendString(dst, hf.value)
	hp.add(hf)

	return dst
}

// Add queues a header field to be encoded by the next Write call.
func (hp *HPACK) Add(k, v string) {
	hf := AcquireHeaderField()
	hf.Set(k, v)
	hp.fields = append(hp.fields, hf)
}

// AddBytes queues a header field to be encoded by the next Write call.
func (hp *HPACK) AddBytes(k, v []byte) {
	hf := AcquireHeaderField()
	hf.SetBytes(k, v)
	hp.fields = append(hp.fields, hf)
}

// Write encodes every queued field and appends the block to dst.
func (hp *HPACK) Write(dst []byte) ([]byte, error) {
	for _, hf := range hp.fields {
		dst = hp.AppendHeader(dst, hf, true)
	}

	return dst, nil
}

// hpackStatic is the static table defined in
// https://tools.ietf.org/html/rfc7541#appendix-A. It is 1-indexed on
// the wire.
var hpackStatic = [staticTableLen]HeaderField{
	{key: []byte(":authority")},
	{key: []byte(":method"), value: []byte("GET")},
	{key: []byte(":method"), value: []byte("POST")},
	{key: []byte(":path"), value: []byte("/")},
	{key: []byte(":path"), value: []byte("/index.html")},
	{key: []byte(":scheme"), value: []byte("http")},
	{key: []byte(":scheme"), value: []byte("https")},
	{key: []byte(":status"), value: []byte("200")},
	{key: []byte(":status"), value: []byte("204")},
	{key: []byte(":status"), value: []byte("206")},
	{key: []byte(":status"), value: []byte("304")},
	{key: []byte(":status"), value: []byte("400")},
	{key: []byte(":status"), value: []byte("404")},
	{key: []byte(":status"), value: []byte("500")},
	{key: []byte("accept-charset")},
	{key: []byte("accept-encoding"), value: []byte("gzip, deflate")},
	{key: []byte("accept-language")},
	{key: []byte("accept-ranges")},
	{key: []byte("accept")},
	{key: []byte("access-control-allow-origin")},
	{key: []byte("age")},
	{key: []byte("allow")},
	{key: []byte("authorization")},
	{key: []byte("cache-control")},
	{key: []byte("content-disposition")},
	{key: []byte("content-encoding")},
	{key: []byte("content-language")},
	{key: []byte("content-length")},
	{key: []byte("content-location")},
	{key: []byte("content-range")},
	{key: []byte("content-type")},
	{key: []byte("cookie")},
	{key: []byte("date")},
	{key: []byte("etag")},
	{key: []byte("expect")},
	{key: []byte("expires")},
	{key: []byte("from")},
	{key: []byte("host")},
	{key: []byte("if-match")},
	{key: []byte("if-modified-since")},
	{key: []byte("if-none-match")},
	{key: []byte("if-range")},
	{key: []byte("if-unmodified-since")},
	{key: []byte("last-modified")},
	{key: []byte("link")},
	{key: []byte("location")},
	{key: []byte("max-forwards")},
	{key: []byte("proxy-authenticate")},
	{key: []byte("proxy-authorization")},
	{key: []byte("range")},
	{key: []byte("referer")},
	{key: []byte("refresh")},
	{key: []byte("retry-after")},
	{key: []byte("server")},
	{key: []byte("set-cookie")},
	{key: []byte("strict-transport-security")},
	{key: []byte("transfer-encoding")},
	{key: []byte("user-agent")},
	{key: []byte("vary")},
	{key: []byte("via")},
	{key: []byte("www-authenticate")},
}
