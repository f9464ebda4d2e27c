package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/justanotherdot/tinykernel/internal/fcb"
	"github.com/justanotherdot/tinykernel/internal/kernel"
	"github.com/justanotherdot/tinykernel/internal/proc"
)

func testConfig() kernel.Config {
	cfg := kernel.DefaultConfig()
	cfg.MaxProc = 4
	cfg.MaxFileID = 16
	cfg.MaxPort = 1023
	cfg.BufSize = 64
	return cfg
}

func newTestHarness(t *testing.T) (*proc.PCB, *Table) {
	t.Helper()
	cfg := testConfig()
	fcbs := fcb.NewTable(cfg.MaxFileID)
	procs, err := proc.NewTable(cfg, fcbs)
	require.NoError(t, err)
	return procs.Get(0), NewTable(cfg, fcbs)
}

// Test Connect rejects a bound port whose own number already names a
// listener, rather than silently claiming it (decision 1).
func TestConnectRejectsOwnListenerPort(t *testing.T) {
	curproc, sockets := newTestHarness(t)

	lfid, err := sockets.Socket(curproc, 100)
	require.NoError(t, err)
	require.NoError(t, sockets.Listen(curproc, lfid))

	cfid, err := sockets.Socket(curproc, 100)
	require.NoError(t, err)

	err = sockets.Connect(curproc, cfid, 100, -1)
	assert.Error(t, err)
}

// Test Connect fails immediately when the target port has no listener at
// all, rather than queuing a request or blocking (spec scenario 6's first
// half).
func TestConnectToPortWithNoListenerFailsImmediately(t *testing.T) {
	curproc, sockets := newTestHarness(t)

	cfid, err := sockets.Socket(curproc, 0)
	require.NoError(t, err)

	start := time.Now()
	err = sockets.Connect(curproc, cfid, 500, -1)
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.Less(t, elapsed, 10*time.Millisecond, "no listener means no reason to ever wait")
}

// Test Accept and Connect rendezvous concurrently and exchange one
// message in each direction over the resulting pipe pair.
func TestAcceptConnectEcho(t *testing.T) {
	curproc, sockets := newTestHarness(t)

	lfid, err := sockets.Socket(curproc, 200)
	require.NoError(t, err)
	require.NoError(t, sockets.Listen(curproc, lfid))

	var serverFid, clientFid int
	var g errgroup.Group
	g.Go(func() error {
		fid, err := sockets.Accept(curproc, lfid)
		serverFid = fid
		return err
	})
	g.Go(func() error {
		fid, err := sockets.Socket(curproc, 0)
		if err != nil {
			return err
		}
		clientFid = fid
		return sockets.Connect(curproc, clientFid, 200, -1)
	})
	require.NoError(t, g.Wait())

	server := socketAt(curproc, serverFid)
	client := socketAt(curproc, clientFid)
	require.NotNil(t, server)
	require.NotNil(t, client)
	assert.Equal(t, Peer, server.typ)
	assert.Equal(t, Peer, client.typ)

	kernel.Mu.Lock()
	n, err := client.write([]byte("ping"))
	kernel.Mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	kernel.Mu.Lock()
	n, err = server.read(buf)
	kernel.Mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

// Test Connect gives up once timeout elapses when nobody ever Accepts,
// and leaves no dangling request on the listener's queue (decision 3).
func TestConnectTimesOut(t *testing.T) {
	curproc, sockets := newTestHarness(t)

	lfid, err := sockets.Socket(curproc, 300)
	require.NoError(t, err)
	require.NoError(t, sockets.Listen(curproc, lfid))

	cfid, err := sockets.Socket(curproc, 0)
	require.NoError(t, err)

	start := time.Now()
	err = sockets.Connect(curproc, cfid, 300, 30*time.Millisecond)
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)

	kernel.Mu.Lock()
	listener := socketAt(curproc, lfid)
	empty := listener.queue.Empty()
	kernel.Mu.Unlock()
	assert.True(t, empty, "timed-out request must not linger on the queue")
}

// Test closing a listener rejects every queued request and wakes the
// blocked Connect with an error rather than leaving it blocked forever
// (decision 4).
func TestCloseListenerRejectsQueuedRequests(t *testing.T) {
	curproc, sockets := newTestHarness(t)

	lfid, err := sockets.Socket(curproc, 400)
	require.NoError(t, err)
	require.NoError(t, sockets.Listen(curproc, lfid))

	cfid, err := sockets.Socket(curproc, 0)
	require.NoError(t, err)

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- sockets.Connect(curproc, cfid, 400, -1)
	}()

	require.Eventually(t, func() bool {
		kernel.Mu.Lock()
		defer kernel.Mu.Unlock()
		return !socketAt(curproc, lfid).queue.Empty()
	}, time.Second, time.Millisecond)

	kernel.Mu.Lock()
	require.NoError(t, sockets.close(socketAt(curproc, lfid)))
	kernel.Mu.Unlock()

	select {
	case err := <-connectDone:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Connect never woke up after listener close")
	}
}
