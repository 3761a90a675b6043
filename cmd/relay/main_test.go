package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/config"
)

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()
	assert.Equal(t, "relay", cmd.Use)
	f := cmd.Flags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "c", f.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("v"), "glog verbosity flag")
}

func TestRootCmd_BadConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}

func TestServe_HealthAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Discovery.Enabled = false
	cfg.Store.Backend = config.BackendBolt
	cfg.Store.DataDir = t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ln) }()

	var health struct {
		Status string `json:"status"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", health.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
}

func TestServe_BadBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Discovery.Enabled = false
	cfg.Store.Backend = "tape"
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, serve(context.Background(), cfg, ln))
}
