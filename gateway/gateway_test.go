package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/execgate/frame"
	"github.com/guseggert/execgate/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newPair connects an initiating gateway to a peer served in this process over loopback TCP.
// The returned channel yields ServeBootstrap's result.
func newPair(t *testing.T, initOpts []Option, peerOpts []Option) (*Gateway, <-chan error) {
	ctx := testContext(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	peerErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			peerErr <- err
			return
		}
		opts := append([]Option{WithLogger(log.Desugar()), WithOutputs(io.Discard, io.Discard)}, peerOpts...)
		peerErr <- ServeBootstrap(context.Background(), transport.NewSocket(conn), opts...)
	}()

	opts := append([]Option{WithLogger(log.Desugar()), WithCleanup(nil)}, initOpts...)
	gw, err := Open(ctx, &Socket{Addr: l.Addr().String()}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Exit(context.Background()) })
	return gw, peerErr
}

func receive(t *testing.T, ch *Channel) any {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := ch.Receive(ctx)
	require.NoError(t, err)
	return v
}

func TestRemoteExecArithmetic(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("channel.send(1+1)")
	require.NoError(t, err)
	assert.Equal(t, int64(2), receive(t, ch))
	require.NoError(t, ch.WaitClose(testContext(t)))
}

func TestChannelIDParity(t *testing.T) {
	gw, _ := newPair(t, nil, nil)

	a, err := gw.RemoteExec("var c = gateway.newchannel(); channel.send(c.id); c.close();")
	require.NoError(t, err)
	b, err := gw.RemoteExec("var c = gateway.newchannel(); channel.send(c.id); c.close();")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a.ID())
	assert.Equal(t, uint32(3), b.ID())

	peerIDs := []int{int(receive(t, a).(int64)), int(receive(t, b).(int64))}
	sort.Ints(peerIDs)
	assert.Equal(t, []int{0, 2}, peerIDs)

	next, err := gw.NewChannel()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), next.ID())
}

func TestChannelFIFO(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("each(channel, function (x) { channel.send(x); });")
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, ch.Send(i))
	}
	require.NoError(t, ch.Close())

	for i := 0; i < n; i++ {
		assert.Equal(t, int64(i), receive(t, ch))
	}
	_, err = ch.Receive(testContext(t))
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Eventually(t, ch.IsClosed, 5*time.Second, 10*time.Millisecond)
}

func TestCloseUnblocksReceive(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("sleep(100);")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Receive(context.Background())
		errs <- err
	}()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("receive did not return after the remote end closed")
	}

	// every later call reports end of stream again instead of blocking
	_, err = ch.Receive(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestReceiveTimeout(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("channel.receive();")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ch.Receive(ctx)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, ch.Send("done"))
	require.NoError(t, ch.WaitClose(testContext(t)))
}

func TestSendOnClosedChannel(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("channel.waitclose();")
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(1), ErrSendOnClosed)
}

func TestRemoteError(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec(`throw new Error("boom")`)
	require.NoError(t, err)

	_, err = ch.Receive(testContext(t))
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, ch.ID(), remoteErr.ChannelID)
	assert.Contains(t, remoteErr.Message, "boom")

	err = ch.WaitClose(testContext(t))
	assert.ErrorAs(t, err, &remoteErr)
}

func TestRemoteErrorDoesNotAffectOtherChannels(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	bad, err := gw.RemoteExec(`throw new Error("boom")`)
	require.NoError(t, err)
	good, err := gw.RemoteExec(`channel.send("ok")`)
	require.NoError(t, err)

	var remoteErr *RemoteError
	assert.ErrorAs(t, bad.WaitClose(testContext(t)), &remoteErr)
	assert.Equal(t, "ok", receive(t, good))
}

func TestConcurrentRemoteExec(t *testing.T) {
	gw, _ := newPair(t, nil, nil)

	var (
		mut sync.Mutex
		ids = map[uint32]bool{}
	)
	var group errgroup.Group
	for i := 0; i < 32; i++ {
		i := i
		group.Go(func() error {
			ch, err := gw.RemoteExec(fmt.Sprintf("channel.send(%d)", i))
			if err != nil {
				return err
			}
			v, err := ch.Receive(testContext(t))
			if err != nil {
				return err
			}
			if v != int64(i) {
				return fmt.Errorf("channel %d got %v, want %d", ch.ID(), v, i)
			}
			mut.Lock()
			defer mut.Unlock()
			if ids[ch.ID()] {
				return fmt.Errorf("channel id %d allocated twice", ch.ID())
			}
			ids[ch.ID()] = true
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Len(t, ids, 32)
	for id := range ids {
		assert.Equal(t, uint32(1), id%2)
	}
}

func TestNewChannelVisibleToUnits(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	c, err := gw.NewChannel()
	require.NoError(t, err)

	ch, err := gw.RemoteExec(fmt.Sprintf(`var c = gateway.channel(%d); c.send("hi"); c.send(c.receive() * 2); c.close();`, c.ID()))
	require.NoError(t, err)
	assert.Equal(t, "hi", receive(t, c))
	require.NoError(t, c.Send(21))
	assert.Equal(t, int64(42), receive(t, c))
	require.NoError(t, ch.WaitClose(testContext(t)))
	require.NoError(t, c.WaitClose(testContext(t)))
	assert.Equal(t, StateClosed, c.State())
	assert.NotContains(t, gw.ActiveChannels(), c.ID())
}

func TestChannelStates(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("sleep(200); channel.send('bye');")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, ch.State())
	assert.Contains(t, gw.ActiveChannels(), ch.ID())

	require.NoError(t, ch.Close())
	assert.Equal(t, StateClosing, ch.State())

	// the remote direction stays usable after a local close
	assert.Equal(t, "bye", receive(t, ch))
	assert.Eventually(t, ch.IsClosed, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, gw.ActiveChannels(), ch.ID())
}

func TestChannelStaysRegisteredUntilClosed(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("channel.send(1)")
	require.NoError(t, err)
	assert.Equal(t, int64(1), receive(t, ch))

	_, err = ch.Receive(testContext(t))
	require.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, StateClosing, ch.State())
	assert.Contains(t, gw.ActiveChannels(), ch.ID())

	require.NoError(t, ch.Close())
	assert.Equal(t, StateClosed, ch.State())
	assert.NotContains(t, gw.ActiveChannels(), ch.ID())
}

func TestCallbackMode(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("range(50).forEach(function (i) { channel.send(i); });")
	require.NoError(t, err)

	var (
		mut  sync.Mutex
		seen []int64
	)
	require.NoError(t, ch.SetCallback(func(item any) {
		mut.Lock()
		defer mut.Unlock()
		seen = append(seen, item.(int64))
	}))
	require.NoError(t, ch.WaitClose(testContext(t)))

	mut.Lock()
	defer mut.Unlock()
	want := make([]int64, 50)
	for i := range want {
		want[i] = int64(i)
	}
	assert.Equal(t, want, seen)

	_, err = ch.Receive(testContext(t))
	assert.ErrorIs(t, err, ErrCallbackMode)
	assert.ErrorIs(t, ch.SetCallback(func(any) {}), ErrCallbackMode)
}

func TestRInfoCached(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ctx := testContext(t)

	info, err := gw.RInfo(ctx, false)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Executable)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Platform)
	assert.NotEmpty(t, info.Cwd)
	assert.Equal(t, os.Getpid(), info.PID)

	next := gw.registry.next
	cached, err := gw.RInfo(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, info, cached)
	assert.Equal(t, next, gw.registry.next, "cached rinfo should not ship a unit")

	refreshed, err := gw.RInfo(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, info, refreshed)
	assert.Equal(t, next+2, gw.registry.next)
}

func TestRemoteInitThreads(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ctx := testContext(t)

	require.NoError(t, gw.RemoteInitThreads(ctx, 5))
	assert.ErrorIs(t, gw.RemoteInitThreads(ctx, 5), ErrThreadsRunning)

	var (
		mut     sync.Mutex
		started []*Channel
	)
	startedCount := func() int {
		mut.Lock()
		defer mut.Unlock()
		return len(started)
	}
	chans := make([]*Channel, 10)
	for i := range chans {
		ch, err := gw.RemoteExec(`channel.send("started"); channel.receive();`)
		require.NoError(t, err)
		require.NoError(t, ch.SetCallback(func(item any) {
			mut.Lock()
			defer mut.Unlock()
			started = append(started, ch)
		}))
		chans[i] = ch
	}

	// once the pool is saturated, exactly five units have started
	assert.Eventually(t, func() bool { return startedCount() == 5 }, 10*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return startedCount() > 5 }, 200*time.Millisecond, 10*time.Millisecond)

	mut.Lock()
	first := append([]*Channel(nil), started...)
	mut.Unlock()
	for _, ch := range first {
		require.NoError(t, ch.Send("go"))
		require.NoError(t, ch.WaitClose(ctx))
	}

	assert.Eventually(t, func() bool { return startedCount() == 10 }, 10*time.Second, 10*time.Millisecond)
	for _, ch := range chans {
		if ch.IsClosed() {
			continue
		}
		require.NoError(t, ch.Send("go"))
		require.NoError(t, ch.WaitClose(ctx))
	}
}

func TestRemotePoolInstalledTwice(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("gateway.initThreads(2); gateway.initThreads(2);")
	require.NoError(t, err)
	var remoteErr *RemoteError
	require.ErrorAs(t, ch.WaitClose(testContext(t)), &remoteErr)
	assert.Contains(t, remoteErr.Message, "worker pool already running")
}

func TestQueueFullReportedOnChannel(t *testing.T) {
	gw, _ := newPair(t, nil, []Option{WithQueueSize(1)})
	ctx := testContext(t)
	require.NoError(t, gw.RemoteInitThreads(ctx, 1))

	var chans []*Channel
	for i := 0; i < 6; i++ {
		ch, err := gw.RemoteExec("channel.receive();")
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	rejected := 0
	for _, ch := range chans {
		short, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := ch.WaitClose(short)
		cancel()
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) {
			assert.Contains(t, remoteErr.Message, "execution queue full")
			rejected++
		}
	}
	assert.GreaterOrEqual(t, rejected, 1)
}

func TestRemoteRedirect(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ctx := testContext(t)

	var out lockedBuffer
	h, err := gw.RemoteRedirect(ctx, &out, nil)
	require.NoError(t, err)

	ch, err := gw.RemoteExec(`print("hello", 1); console.log("world");`)
	require.NoError(t, err)
	require.NoError(t, ch.WaitClose(ctx))

	require.NoError(t, h.Close(ctx))
	assert.Equal(t, "hello 1\nworld\n", out.String())

	ch, err = gw.RemoteExec(`print("not redirected");`)
	require.NoError(t, err)
	require.NoError(t, ch.WaitClose(ctx))
	assert.Equal(t, "hello 1\nworld\n", out.String())
}

func TestRemoteRedirectFailureClosesChannels(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.RemoteRedirect(ctx, io.Discard, io.Discard)
	require.ErrorIs(t, err, context.Canceled)

	ids := gw.ActiveChannels()
	assert.NotEmpty(t, ids)
	for _, id := range ids {
		ch, ok := gw.registry.get(id)
		require.True(t, ok)
		assert.NotEqual(t, StateOpen, ch.State(), "channel %d", id)
	}
}

func TestNewRemoteSocket(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ctx := testContext(t)

	sgw, err := NewRemoteSocket(ctx, gw, "127.0.0.1:0", WithLogger(log.Desugar()), WithCleanup(nil))
	require.NoError(t, err)
	defer sgw.Exit(ctx)
	assert.Contains(t, sgw.RemoteAddress(), "127.0.0.1:")

	ch, err := sgw.RemoteExec("channel.send(gateway.info().pid)")
	require.NoError(t, err)
	assert.Equal(t, int64(os.Getpid()), receive(t, ch))
	require.NoError(t, sgw.Exit(ctx))
}

func TestExitClosesChannels(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var inits, exits int
	obs := ObserverFuncs{
		Init: func(*Gateway) { inits++ },
		Exit: func(*Gateway) { exits++ },
	}
	gw, peerErr := newPair(t, []Option{WithObserver(obs)}, nil)
	assert.Equal(t, 1, inits)

	var chans []*Channel
	for i := 0; i < 3; i++ {
		ch, err := gw.RemoteExec("channel.receive();")
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	c, err := gw.NewChannel()
	require.NoError(t, err)
	chans = append(chans, c)

	errs := make(chan error, len(chans))
	for _, ch := range chans {
		ch := ch
		go func() {
			_, err := ch.Receive(context.Background())
			errs <- err
		}()
	}

	require.NoError(t, gw.Exit(testContext(t)))
	require.NoError(t, gw.Exit(testContext(t)))
	assert.Equal(t, 1, exits)

	for range chans {
		assert.ErrorIs(t, <-errs, ErrExited)
	}
	for _, ch := range chans {
		assert.True(t, ch.IsClosed())
		assert.ErrorIs(t, ch.Send(1), ErrExited)
	}
	assert.Empty(t, gw.ActiveChannels())
	assert.ErrorIs(t, gw.Err(), ErrExited)
	_, err = gw.RemoteExec("1")
	assert.ErrorIs(t, err, ErrExited)

	select {
	case err := <-peerErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("peer did not stop after initiator exit")
	}
}

func TestPeerDisconnectUnblocksReceive(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	ch, err := gw.RemoteExec("channel.receive();")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Receive(context.Background())
		errs <- err
	}()

	// pull the transport out from under the gateway
	require.NoError(t, gw.transport.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(10 * time.Second):
		t.Fatal("receive did not return after disconnect")
	}
	<-gw.Done()
	assert.ErrorIs(t, gw.Err(), ErrDisconnected)
	assert.True(t, ch.IsClosed())
}

// rawPeer serves a peer gateway and returns the initiator side of its connection after writing the bootstrap line.
func rawPeer(t *testing.T) (net.Conn, <-chan error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	peerErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			peerErr <- err
			return
		}
		peerErr <- ServeBootstrap(context.Background(), transport.NewSocket(conn), WithLogger(log.Desugar()))
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = io.WriteString(conn, encodeBootstrapLine(bootstrapProgram("", nil)))
	require.NoError(t, err)
	return conn, peerErr
}

func requireProtocolTeardown(t *testing.T, peerErr <-chan error) {
	select {
	case err := <-peerErr:
		assert.ErrorIs(t, err, ErrProtocol)
	case <-time.After(10 * time.Second):
		t.Fatal("peer did not tear down")
	}
}

func TestProtocolViolationTearsDownPeer(t *testing.T) {
	conn, peerErr := rawPeer(t)
	require.NoError(t, frame.Write(conn, frame.Frame{ChannelID: 7, Kind: frame.Data, Payload: []byte{0x01}}))
	requireProtocolTeardown(t, peerErr)
}

func TestUnknownFrameKindTearsDownPeer(t *testing.T) {
	conn, peerErr := rawPeer(t)
	header := make([]byte, 9)
	binary.BigEndian.PutUint32(header[0:4], 1)
	header[4] = 0x7f
	binary.BigEndian.PutUint32(header[5:9], 0)
	_, err := conn.Write(header)
	require.NoError(t, err)
	requireProtocolTeardown(t, peerErr)
}

func TestPeerRejectsWrongParity(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	peerErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			peerErr <- err
			return
		}
		peerErr <- ServeBootstrap(context.Background(), transport.NewSocket(conn), WithLogger(log.Desugar()))
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, encodeBootstrapLine(bootstrapProgram("", nil)))
	require.NoError(t, err)
	require.NoError(t, frame.Write(conn, frame.Frame{ChannelID: 2, Kind: frame.New}))

	select {
	case err := <-peerErr:
		assert.ErrorIs(t, err, ErrProtocol)
	case <-time.After(10 * time.Second):
		t.Fatal("peer did not tear down")
	}
}

func TestGatewayString(t *testing.T) {
	gw, _ := newPair(t, nil, nil)
	s := gw.String()
	assert.True(t, strings.HasPrefix(s, "<Gateway[127.0.0.1:"), s)
	assert.Contains(t, s, "receiving")
	assert.Contains(t, s, "active channels")
	require.NoError(t, gw.Exit(testContext(t)))
	assert.Contains(t, gw.String(), "not receiving")
}

type lockedBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}
