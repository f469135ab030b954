package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/config"
)

type fakeConnector struct {
	mu          sync.Mutex
	initCalls   atomic.Int32
	initErrs    []error // consumed per Initialize call, nil after exhaustion
	tools       []ToolInfo
	pingErr     error
	callResults map[string]any
	closed      atomic.Bool
}

func (f *fakeConnector) Initialize(ctx context.Context) ([]ToolInfo, error) {
	n := int(f.initCalls.Add(1))
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= len(f.initErrs) && f.initErrs[n-1] != nil {
		return nil, f.initErrs[n-1]
	}
	return f.tools, nil
}

func (f *fakeConnector) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.callResults[name]; ok {
		return result, nil
	}
	return nil, errors.New("no such tool")
}

func (f *fakeConnector) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConnector) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeConnector) Close() error {
	f.closed.Store(true)
	return nil
}

func dialerFor(conn Connector) Dialer {
	return func(cfg config.MCPServerConfig) (Connector, error) { return conn, nil }
}

func noSleepRegistry(dial Dialer) *Registry {
	r := NewRegistry(dial, nil)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestRegisterAndDiscover(t *testing.T) {
	conn := &fakeConnector{
		tools:       []ToolInfo{{Name: "read_file", Description: "Read a file."}},
		callResults: map[string]any{"read_file": "contents"},
	}
	r := noSleepRegistry(dialerFor(conn))

	require.NoError(t, r.Register(context.Background(), config.MCPServerConfig{ID: "files", Transport: config.MCPTransportStdio, Command: "mcp-files"}))
	assert.Equal(t, StatusConnected, r.Status("files"))

	defs, err := r.DiscoverTools("files")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "files/read_file", defs[0].ID)
	assert.Equal(t, "files/read_file", defs[0].Name)

	out, err := defs[0].Invoke(context.Background(), map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, "contents", out)
}

func TestRegisterFailureLeavesUnregistered(t *testing.T) {
	conn := &fakeConnector{initErrs: []error{errors.New("connection refused")}}
	r := noSleepRegistry(dialerFor(conn))

	// Connection failure is swallowed, not returned.
	require.NoError(t, r.Register(context.Background(), config.MCPServerConfig{ID: "bad", Transport: config.MCPTransportHTTP, URL: "http://x"}))
	assert.Equal(t, StatusUnregistered, r.Status("bad"))
	assert.Empty(t, r.ServerIDs())
}

func TestRegisterDuplicate(t *testing.T) {
	conn := &fakeConnector{}
	r := noSleepRegistry(dialerFor(conn))
	cfg := config.MCPServerConfig{ID: "dup", Transport: config.MCPTransportStdio, Command: "x"}

	require.NoError(t, r.Register(context.Background(), cfg))
	assert.Error(t, r.Register(context.Background(), cfg))
}

func TestEnsureConnectedSingleInitialize(t *testing.T) {
	conn := &fakeConnector{tools: []ToolInfo{{Name: "t"}}}
	r := noSleepRegistry(dialerFor(conn))
	require.NoError(t, r.RegisterLazy(config.MCPServerConfig{ID: "lazy", Transport: config.MCPTransportStdio, Command: "x", Lazy: true}))
	assert.Equal(t, StatusUnregistered, r.Status("lazy"))

	const n = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = r.EnsureConnected(context.Background(), "lazy")
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), conn.initCalls.Load())
	assert.Equal(t, StatusConnected, r.Status("lazy"))

	// Idempotent once connected.
	require.NoError(t, r.EnsureConnected(context.Background(), "lazy"))
	assert.Equal(t, int32(1), conn.initCalls.Load())
}

func TestDiscoverToolsDisconnected(t *testing.T) {
	conn := &fakeConnector{}
	r := noSleepRegistry(dialerFor(conn))
	require.NoError(t, r.RegisterLazy(config.MCPServerConfig{ID: "lazy", Transport: config.MCPTransportStdio, Command: "x"}))

	_, err := r.DiscoverTools("lazy")
	assert.Error(t, err)

	_, err = r.DiscoverTools("ghost")
	assert.Error(t, err)
}

func TestDiscoverAllSkipsDisconnected(t *testing.T) {
	good := &fakeConnector{tools: []ToolInfo{{Name: "a"}}}
	r := noSleepRegistry(func(cfg config.MCPServerConfig) (Connector, error) {
		if cfg.ID == "good" {
			return good, nil
		}
		return &fakeConnector{}, nil
	})

	require.NoError(t, r.Register(context.Background(), config.MCPServerConfig{ID: "good", Transport: config.MCPTransportStdio, Command: "x"}))
	require.NoError(t, r.RegisterLazy(config.MCPServerConfig{ID: "cold", Transport: config.MCPTransportStdio, Command: "y"}))

	defs := r.DiscoverAll()
	require.Len(t, defs, 1)
	assert.Equal(t, "good/a", defs[0].ID)
}

func TestReconnectAfterHealthFailure(t *testing.T) {
	// First init (registration) succeeds; after a failed ping, the next
	// two reconnect initializes fail and the third succeeds.
	conn := &fakeConnector{
		tools:    []ToolInfo{{Name: "t"}},
		initErrs: []error{nil, errors.New("down"), errors.New("down")},
	}
	var delays []time.Duration
	r := NewRegistry(dialerFor(conn), nil)
	var delayMu sync.Mutex
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delayMu.Lock()
		delays = append(delays, d)
		delayMu.Unlock()
		return nil
	}

	require.NoError(t, r.Register(context.Background(), config.MCPServerConfig{
		ID: "srv", Transport: config.MCPTransportStdio, Command: "x",
		HealthIntervalMs: 50,
		Reconnect:        config.RetryPolicy{MaxRetries: 3},
	}))
	require.Equal(t, StatusConnected, r.Status("srv"))

	conn.setPingErr(errors.New("ping failed"))
	require.Eventually(t, func() bool {
		return conn.initCalls.Load() >= 4 && r.Status("srv") == StatusConnected
	}, 3*time.Second, 10*time.Millisecond)
	conn.setPingErr(nil)

	delayMu.Lock()
	defer delayMu.Unlock()
	require.GreaterOrEqual(t, len(delays), 2)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])

	// Tools rediscovered under the server namespace.
	defs, err := r.DiscoverTools("srv")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "srv/t", defs[0].ID)

	r.Shutdown()
}

func TestReconnectExhaustionStopsLoop(t *testing.T) {
	conn := &fakeConnector{
		initErrs: []error{nil, errors.New("down"), errors.New("down"), errors.New("down")},
	}
	r := noSleepRegistry(dialerFor(conn))

	require.NoError(t, r.Register(context.Background(), config.MCPServerConfig{
		ID: "srv", Transport: config.MCPTransportStdio, Command: "x",
		HealthIntervalMs: 20,
		Reconnect:        config.RetryPolicy{MaxRetries: 3},
	}))

	conn.setPingErr(errors.New("ping failed"))
	require.Eventually(t, func() bool {
		return r.Status("srv") == StatusError
	}, 3*time.Second, 10*time.Millisecond)

	// Loop stopped: no further initialize attempts.
	calls := conn.initCalls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, conn.initCalls.Load())

	_, err := r.DiscoverTools("srv")
	assert.Error(t, err)

	r.Shutdown()
}

func TestShutdownClosesInOrder(t *testing.T) {
	a := &fakeConnector{}
	b := &fakeConnector{}
	r := noSleepRegistry(func(cfg config.MCPServerConfig) (Connector, error) {
		if cfg.ID == "a" {
			return a, nil
		}
		return b, nil
	})

	require.NoError(t, r.Register(context.Background(), config.MCPServerConfig{ID: "a", Transport: config.MCPTransportStdio, Command: "x"}))
	require.NoError(t, r.Register(context.Background(), config.MCPServerConfig{ID: "b", Transport: config.MCPTransportStdio, Command: "y"}))

	r.Shutdown()
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
	assert.Equal(t, StatusDisconnected, r.Status("a"))
}
