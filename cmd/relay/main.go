// Command relay serves VibeCanvas rooms over websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/config"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/discovery"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/relay"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/server"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/backend"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Run the VibeCanvas sync relay",
		Long:         `Serves collaborative rooms at /ws/{room}, persists them to the configured store and announces itself over mDNS.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// glog reads its flags from the go flag set, which pflag has
			// already filled in.
			flag.CommandLine.Parse(nil)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	return serve(ctx, cfg, ln)
}

// serve runs the relay on ln until ctx is done, then saves every open room
// and closes the store.
func serve(ctx context.Context, cfg config.Config, ln net.Listener) error {
	st, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		ln.Close()
		return err
	}
	defer st.Close()

	var rl relay.Relay = relay.Local{}
	if cfg.Relay.RedisAddr != "" {
		r, err := relay.DialRedis(ctx, cfg.Relay.RedisAddr)
		if err != nil {
			ln.Close()
			return err
		}
		defer r.Close()
		glog.Infof("Relaying rooms through Redis at %s", cfg.Relay.RedisAddr)
		rl = r
	}

	srv := server.New(st, server.Options{
		Debounce:         cfg.Persistence.Debounce.Std(),
		MaxDebounce:      cfg.Persistence.MaxDebounce.Std(),
		AwarenessTimeout: cfg.Awareness.Timeout.Std(),
		AwarenessRate:    cfg.Awareness.Rate,
		AwarenessBurst:   cfg.Awareness.Burst,
		Relay:            rl,
	})
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Discovery.Enabled {
		instance := cfg.Discovery.Instance
		if instance == "" {
			instance = discovery.InstanceName("VibeCanvas")
		}
		port := ln.Addr().(*net.TCPAddr).Port
		stopAnnounce, err := discovery.Announce(instance, cfg.Discovery.Service, port, []string{"path=/ws"})
		if err != nil {
			glog.Warningf("Discovery disabled: %v", err)
		} else {
			defer stopAnnounce()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	glog.Infof("VibeCanvas relay listening on %s (store: %s)", ln.Addr(), cfg.Store.Backend)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			srv.Close(context.Background())
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	glog.Infof("Shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Websocket connections are hijacked, so the HTTP server does not wait
	// for them; the room server closes and saves them.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("HTTP shutdown: %v", err)
	}
	return srv.Close(shutdownCtx)
}
