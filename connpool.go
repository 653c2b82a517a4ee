package http2

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ConnPool caches one live HTTP/2 connection per `host:port` address.
//
// Creation is single-flight per address: concurrent callers for the
// same key await one leader, and the leader's failure propagates to
// every waiter. Lookups of live connections never take a lock.
type ConnPool struct {
	group  singleflight.Group
	conns  sync.Map // addr -> *Conn
	logger *zap.Logger
}

// NewConnPool returns an empty connection pool.
func NewConnPool(logger *zap.Logger) *ConnPool {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConnPool{
		logger: logger,
	}
}

// GetIfExists returns a cached live connection for addr, or nil.
// Dead connections found on the way are evicted.
func (cp *ConnPool) GetIfExists(addr string) *Conn {
	v, ok := cp.conns.Load(addr)
	if !ok {
		return nil
	}

	c := v.(*Conn)
	if c.IsAlive() {
		return c
	}

	cp.Remove(addr, c)

	return nil
}

// GetOrCreate returns a cached live connection for addr, dialing a new
// one through dial when there is none.
func (cp *ConnPool) GetOrCreate(addr string, dial func() (*Conn, error)) (*Conn, error) {
	if c := cp.GetIfExists(addr); c != nil {
		return c, nil
	}

	v, err, _ := cp.group.Do(addr, func() (interface{}, error) {
		// a previous leader may have finished while we queued
		if c := cp.GetIfExists(addr); c != nil {
			return c, nil
		}

		c, err := dial()
		if err != nil {
			return nil, err
		}

		if prev, loaded := cp.conns.LoadOrStore(addr, c); loaded {
			pc := prev.(*Conn)
			if pc.IsAlive() {
				// lost a race: the fresh dial is an orphan
				_ = c.Close()
				return pc, nil
			}

			cp.conns.Store(addr, c)
		}

		cp.logger.Debug("connection created", zap.String("addr", addr))

		return c, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Conn), nil
}

// Remove evicts c from the pool if it is still the cached connection
// for addr. The connection itself is left to its owner.
func (cp *ConnPool) Remove(addr string, c *Conn) {
	if v, ok := cp.conns.Load(addr); ok && v.(*Conn) == c {
		cp.conns.Delete(addr)
		cp.logger.Debug("connection evicted", zap.String("addr", addr))
	}
}

// Put seeds the pool with an already established connection. A live
// cached connection wins over the new one.
func (cp *ConnPool) Put(addr string, c *Conn) {
	if prev, loaded := cp.conns.LoadOrStore(addr, c); loaded {
		pc := prev.(*Conn)
		if pc.IsAlive() {
			_ = c.Close()
			return
		}

		cp.conns.Store(addr, c)
	}
}

// Close disposes every cached connection and empties the pool.
func (cp *ConnPool) Close() {
	cp.conns.Range(func(k, v interface{}) bool {
		cp.conns.Delete(k)
		_ = v.(*Conn).Close()
		return true
	})
}
