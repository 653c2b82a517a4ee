package http2

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// ClientOpts defines the client options.
type ClientOpts struct {
	// PingInterval defines the interval in which the client will ping the server.
	PingInterval time.Duration

	// OnRTT is assigned to every connection after creation, and the handler
	// will be called after every RTT measurement (after receiving a PONG message).
	OnRTT func(time.Duration)

	// EnableCompression requests a compressed response body and
	// decompresses it transparently.
	EnableCompression bool

	// Logger receives client, pool and connection events. Defaults to
	// a nop logger.
	Logger *zap.Logger

	// Conn carries per-connection tunables (frame size, header table,
	// body caps, callbacks).
	Conn ConnOpts
}

func configureDialer(d *Dialer) {
	if d.TLSConfig == nil {
		d.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		}
	}

	tlsConfig := d.TLSConfig

	emptyServerName := len(tlsConfig.ServerName) == 0
	if emptyServerName {
		host, _, err := net.SplitHostPort(d.Addr)
		if err != nil {
			host = d.Addr
		}

		tlsConfig.ServerName = host
	}

	tlsConfig.NextProtos = append(tlsConfig.NextProtos, H2TLSProto)
}

// ConfigureClient configures the fasthttp.HostClient to run over HTTP/2.
//
// The address is dialed once to confirm the server negotiates `h2`;
// the probe connection is kept in the pool. When the server only
// speaks HTTP/1.1, ErrServerSupport is returned and the HostClient is
// left untouched so its HTTP/1.1 path keeps working.
func ConfigureClient(c *fasthttp.HostClient, opts ClientOpts) error {
	emptyServerName := c.TLSConfig != nil && len(c.TLSConfig.ServerName) == 0

	d := &Dialer{
		Addr:         c.Addr,
		TLSConfig:    c.TLSConfig,
		PingInterval: opts.PingInterval,
	}

	cl := createClient(d, opts)

	c2, err := d.Dial(cl.connOpts())
	if err != nil {
		if err == ErrServerSupport && c.TLSConfig != nil { // remove added config settings
			for i := range c.TLSConfig.NextProtos {
				if c.TLSConfig.NextProtos[i] == H2TLSProto {
					c.TLSConfig.NextProtos = append(
						c.TLSConfig.NextProtos[:i], c.TLSConfig.NextProtos[i+1:]...)
					break
				}
			}

			if emptyServerName {
				c.TLSConfig.ServerName = ""
			}
		}

		return err
	}

	cl.pool.Put(d.Addr, c2)

	c.IsTLS = true
	c.TLSConfig = d.TLSConfig

	c.Transport = cl

	return nil
}
