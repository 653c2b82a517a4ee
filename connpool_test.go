package http2

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// poolConn builds a connection that looks alive to the pool without
// any handshake behind it.
func poolConn(t *testing.T) *Conn {
	t.Helper()

	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})

	return NewConn(c1, ConnOpts{})
}

func TestConnPoolGetIfExists(t *testing.T) {
	cp := NewConnPool(nil)

	require.Nil(t, cp.GetIfExists("a:443"))

	c := poolConn(t)
	cp.Put("a:443", c)

	require.Same(t, c, cp.GetIfExists("a:443"))

	// a dead connection is evicted on lookup
	atomic.StoreUint32(&c.goaway, 1)
	require.Nil(t, cp.GetIfExists("a:443"))
	require.Nil(t, cp.GetIfExists("a:443"))
}

func TestConnPoolSingleFlight(t *testing.T) {
	cp := NewConnPool(nil)

	var dials int32
	gate := make(chan struct{})

	c := poolConn(t)

	const waiters = 8

	var wg, ready sync.WaitGroup
	start := make(chan struct{})
	results := make([]*Conn, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		ready.Add(1)
		go func(i int) {
			defer wg.Done()

			ready.Done()
			<-start

			got, err := cp.GetOrCreate("a:443", func() (*Conn, error) {
				atomic.AddInt32(&dials, 1)
				<-gate
				return c, nil
			})
			require.NoError(t, err)
			results[i] = got
		}(i)
	}

	// every caller must be queued behind the leader before it returns
	ready.Wait()
	close(start)
	time.Sleep(time.Millisecond * 100)
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&dials))
	for i := 0; i < waiters; i++ {
		require.Same(t, c, results[i])
	}
}

func TestConnPoolLeaderFailurePropagates(t *testing.T) {
	cp := NewConnPool(nil)

	dialErr := errors.New("boom")

	var dials int32

	const waiters = 4

	var wg, ready sync.WaitGroup
	start := make(chan struct{})
	gate := make(chan struct{})

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		ready.Add(1)
		go func() {
			defer wg.Done()

			ready.Done()
			<-start

			_, err := cp.GetOrCreate("a:443", func() (*Conn, error) {
				atomic.AddInt32(&dials, 1)
				<-gate
				return nil, dialErr
			})
			require.ErrorIs(t, err, dialErr)
		}()
	}

	ready.Wait()
	close(start)
	time.Sleep(time.Millisecond * 100)
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&dials))

	// the slot was cleared: the next call dials again
	c := poolConn(t)

	got, err := cp.GetOrCreate("a:443", func() (*Conn, error) {
		atomic.AddInt32(&dials, 1)
		return c, nil
	})
	require.NoError(t, err)
	require.Same(t, c, got)
	require.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

func TestConnPoolRemove(t *testing.T) {
	cp := NewConnPool(nil)

	c1 := poolConn(t)
	c2 := poolConn(t)

	cp.Put("a:443", c1)

	// removing a connection that is not the cached one is a no-op
	cp.Remove("a:443", c2)
	require.Same(t, c1, cp.GetIfExists("a:443"))

	cp.Remove("a:443", c1)
	require.Nil(t, cp.GetIfExists("a:443"))
}

func TestConnPoolPutKeepsLiveConn(t *testing.T) {
	cp := NewConnPool(nil)

	c1 := poolConn(t)
	c2 := poolConn(t)

	cp.Put("a:443", c1)
	cp.Put("a:443", c2)

	// the cached live connection wins, the newcomer is disposed
	require.Same(t, c1, cp.GetIfExists("a:443"))
	require.True(t, c2.Closed())
}
