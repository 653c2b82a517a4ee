package http2

var (
	StringPath          = []byte(":path")
	StringStatus        = []byte(":status")
	StringAuthority     = []byte(":authority")
	StringScheme        = []byte(":scheme")
	StringMethod        = []byte(":method")
	StringServer        = []byte("server")
	StringContentLength = []byte("content-length")
	StringContentType   = []byte("content-type")
	StringUserAgent     = []byte("user-agent")
	StringGzip          = []byte("gzip")
	StringGET           = []byte("GET")
	StringHEAD          = []byte("HEAD")
	StringPOST          = []byte("POST")
	StringHTTP2         = []byte("HTTP/2")
	StringTE            = []byte("te")
	StringTrailers      = []byte("trailers")
)

// connSpecificHeaders are connection-specific HTTP/1 headers that must
// not travel over HTTP/2 (https://tools.ietf.org/html/rfc7540#section-8.1.2.2).
var connSpecificHeaders = [][]byte{
	[]byte("connection"),
	[]byte("transfer-encoding"),
	[]byte("keep-alive"),
	[]byte("proxy-connection"),
	[]byte("upgrade"),
	[]byte("host"),
}

func ToLower(b []byte) []byte {
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] |= 32
		}
	}

	return b
}

const (
	// H2TLSProto is the string used in ALPN-TLS negotiation.
	H2TLSProto = "h2"
	// H2Clean is the string used in HTTP headers by the client to upgrade the connection.
	H2Clean = "h2c"
)
