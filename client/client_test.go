package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theflyingcodr/relay"
	"github.com/theflyingcodr/relay/server"
)

func newTestRelay(t *testing.T, optFns ...server.OptFunc) (*server.RelayServer, string) {
	t.Helper()
	s := server.NewRelayServer(optFns...)
	ts := httptest.NewServer(server.NewHTTP(s))
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestClient_JoinAndChat(t *testing.T) {
	s, url := newTestRelay(t)

	got := make(chan *relay.Envelope, 1)
	c, err := New(url)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	c.RegisterListener(relay.MessageBroadcast, func(ctx context.Context, env *relay.Envelope) (*relay.Envelope, error) {
		got <- env
		return nil, nil
	})

	corr, err := c.Join("review-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, corr)

	require.Eventually(t, func() bool {
		return s.Registry().MemberCount("review-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Chat("review-1", "shipping it"))

	select {
	case env := <-got:
		assert.Equal(t, relay.MessageBroadcast, env.Type)
		assert.Equal(t, relay.SenderYou, env.Sender)
		assert.Equal(t, "shipping it", env.MessageText())
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestClient_ReassemblesChunkedPayload(t *testing.T) {
	s, url := newTestRelay(t,
		server.WithChunkThreshold(256),
		server.WithChunkSize(100),
		server.WithChunkDelay(time.Millisecond),
	)

	type diagram struct {
		Nodes string `json:"nodes"`
	}
	body := diagram{Nodes: strings.Repeat("n", 2000)}

	got := make(chan *relay.Envelope, 1)
	alice, err := New(url)
	require.NoError(t, err)
	t.Cleanup(alice.Close)
	alice.RegisterListener(relay.MessageUMLPayload, func(ctx context.Context, env *relay.Envelope) (*relay.Envelope, error) {
		got <- env
		return nil, nil
	})

	bob, err := New(url)
	require.NoError(t, err)
	t.Cleanup(bob.Close)

	_, err = alice.Join("review-1", "")
	require.NoError(t, err)
	_, err = bob.Join("review-1", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Registry().MemberCount("review-1") == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Publish(relay.MessageUMLPayload, "review-1", body))

	select {
	case env := <-got:
		// delivered as one envelope, exactly as a single frame would be
		assert.Equal(t, relay.MessageUMLPayload, env.Type)
		var out diagram
		require.NoError(t, env.Bind(&out))
		assert.Equal(t, body, out)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reassembled payload")
	}
}

func TestClient_ReconnectsWhilePublishing(t *testing.T) {
	s, url := newTestRelay(t)

	got := make(chan *relay.Envelope, 16)
	c, err := New(url,
		WithReconnect(),
		WithReconnectAttempts(50),
		WithReconnectTimeout(10*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	c.RegisterListener(relay.MessageBroadcast, func(ctx context.Context, env *relay.Envelope) (*relay.Envelope, error) {
		select {
		case got <- env:
		default:
		}
		return nil, nil
	})

	_, err = c.Join("review-1", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.Registry().MemberCount("review-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// keep the writer busy across the connection swap; sends racing the
	// redial may fail, they must never corrupt the client
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = c.Chat("review-1", "ping")
			}
		}
	}()

	// drop every server side connection, the client should redial
	s.Close()
	require.Eventually(t, func() bool {
		return s.Registry().MemberCount("review-1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	close(stop)
	wg.Wait()

	// membership is connection scoped, so re-join on the new socket
	require.Eventually(t, func() bool {
		_, err := c.Join("review-1", "")
		return err == nil && s.Registry().MemberCount("review-1") == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Chat("review-1", "back online"))

	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-got:
			if env.MessageText() == "back online" {
				assert.Equal(t, relay.SenderYou, env.Sender)
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for broadcast after reconnect")
		}
	}
}

func TestClient_ErrorHandler(t *testing.T) {
	_, url := newTestRelay(t)

	errs := make(chan *relay.Envelope, 1)
	c, err := New(url)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	c.WithErrorHandler(func(env *relay.Envelope) {
		errs <- env
	})

	// publish without joining trips the membership gate
	require.NoError(t, c.Publish(relay.MessageCodeOpen, "review-1", relay.CodeOpenRequest{File: "main.go"}))

	select {
	case env := <-errs:
		assert.Equal(t, relay.MessageError, env.Type)
		assert.Equal(t, "You must join the channel first", env.MessageText())
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error frame")
	}
}
