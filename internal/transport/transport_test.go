package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/hive/internal/metrics"
)

var errTestSentinel = errors.New("test sentinel")

func init() {
	RegisterError("test_sentinel", errTestSentinel)
}

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text string `json:"text"`
	From string `json:"from"`
}

func echoMux() *Mux {
	mux := NewMux()
	Handle(mux, "echo", func(_ context.Context, from string, req echoReq) (echoResp, error) {
		return echoResp{Text: req.Text, From: from}, nil
	})
	Handle(mux, "fail", func(_ context.Context, _ string, _ echoReq) (echoResp, error) {
		return echoResp{}, errTestSentinel
	})
	Handle(mux, "boom", func(_ context.Context, _ string, _ echoReq) (echoResp, error) {
		return echoResp{}, errors.New("plain failure")
	})
	Handle(mux, "slow", func(ctx context.Context, _ string, _ echoReq) (echoResp, error) {
		select {
		case <-ctx.Done():
			return echoResp{}, ctx.Err()
		case <-time.After(time.Second):
			return echoResp{}, nil
		}
	})
	return mux
}

// exerciseTransport runs the behaviors both transports must share.
func exerciseTransport(t *testing.T, tr Transport, addr string) {
	ctx := context.Background()

	t.Run("typed call", func(t *testing.T) {
		resp, err := Call[echoReq, echoResp](ctx, tr, addr, "caller", "echo", echoReq{Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", resp.Text)
		assert.Equal(t, "caller", resp.From)
	})

	t.Run("registered sentinel survives", func(t *testing.T) {
		_, err := Call[echoReq, echoResp](ctx, tr, addr, "caller", "fail", echoReq{})
		require.Error(t, err)
		assert.ErrorIs(t, err, errTestSentinel)
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "test_sentinel", re.Code)
	})

	t.Run("unregistered error is still remote", func(t *testing.T) {
		_, err := Call[echoReq, echoResp](ctx, tr, addr, "caller", "boom", echoReq{})
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Contains(t, re.Message, "plain failure")
		assert.NotErrorIs(t, err, errTestSentinel)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Call[echoReq, echoResp](ctx, tr, addr, "caller", "nope", echoReq{})
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := Call[echoReq, echoResp](ctx, tr, addr, "caller", "slow", echoReq{})
		assert.Error(t, err)
	})
}

// TestHTTPTransport verifies the HTTP transport against a chi-mounted mux.
func TestHTTPTransport(t *testing.T) {
	srv := httptest.NewServer(echoMux().Routes())
	defer srv.Close()

	exerciseTransport(t, NewHTTPTransport(), srv.URL)

	t.Run("unreachable", func(t *testing.T) {
		_, err := Call[echoReq, echoResp](context.Background(), NewHTTPTransport(), "http://127.0.0.1:1", "caller", "echo", echoReq{})
		assert.ErrorIs(t, err, ErrUnreachable)
	})
}

// TestLocalNetwork verifies the in-process network and its failure injection.
func TestLocalNetwork(t *testing.T) {
	net := NewLocalNetwork()
	net.Register("b", echoMux())
	net.Register("c", echoMux())

	a := net.Endpoint("a")
	exerciseTransport(t, a, "b")

	ctx := context.Background()
	call := func(from Transport, to string) error {
		_, err := Call[echoReq, echoResp](ctx, from, to, "x", "echo", echoReq{Text: "ping"})
		return err
	}

	t.Run("unregistered address", func(t *testing.T) {
		assert.ErrorIs(t, call(a, "zzz"), ErrUnreachable)
	})

	t.Run("caller without a mux still gets replies", func(t *testing.T) {
		client := net.Endpoint("client-only")
		assert.NoError(t, call(client, "b"))

		net.Disconnect("client-only")
		assert.ErrorIs(t, call(client, "b"), ErrUnreachable)
		net.Reconnect("client-only")
		assert.NoError(t, call(client, "b"))
	})

	t.Run("disconnect and reconnect", func(t *testing.T) {
		net.Disconnect("b")
		assert.ErrorIs(t, call(a, "b"), ErrUnreachable)
		assert.NoError(t, call(a, "c"))
		net.Reconnect("b")
		assert.NoError(t, call(a, "b"))
	})

	t.Run("partition is symmetric and heals", func(t *testing.T) {
		net.Partition([]string{"a", "b"}, []string{"c"})
		assert.NoError(t, call(a, "b"))
		assert.ErrorIs(t, call(a, "c"), ErrUnreachable)
		assert.ErrorIs(t, call(net.Endpoint("c"), "b"), ErrUnreachable)

		net.Heal()
		assert.NoError(t, call(a, "c"))
	})
}

// TestInstrument verifies RPC metrics are recorded.
func TestInstrument(t *testing.T) {
	net := NewLocalNetwork()
	net.Register("b", echoMux())
	m := metrics.New("a")
	tr := Instrument(net.Endpoint("a"), m)

	_, err := Call[echoReq, echoResp](context.Background(), tr, "b", "a", "echo", echoReq{})
	require.NoError(t, err)
	_, err = Call[echoReq, echoResp](context.Background(), tr, "missing", "a", "echo", echoReq{})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCErrors.WithLabelValues("echo")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RPCDuration), "one series per kind")
}
