package controller

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialerRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	d := NewDialer(time.Millisecond, nil)
	d.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}

	conn, err := d.Dial(context.Background(), "robot:30020")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDialerStopsOnContext(t *testing.T) {
	d := NewDialer(5*time.Millisecond, nil)
	d.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := d.Dial(ctx, "robot:29999")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnection))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDialerRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := NewDialer(time.Millisecond, nil).Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestSleepHonoursContext(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
