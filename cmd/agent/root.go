package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/awareness"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/board"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/codec"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/config"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/discovery"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/bolt"
)

// agent holds the flags shared by every subcommand.
type agent struct {
	url      string
	room     string
	cache    string
	service  string
	name     string
	color    string
	timeout  time.Duration
	discover time.Duration
}

func newRootCmd() *cobra.Command {
	a := &agent{}
	cmd := &cobra.Command{
		Use:          "agent",
		Short:        "Headless VibeCanvas client",
		Long:         `Joins a VibeCanvas room and edits or watches the shared board. Without --url the first relay announced on the local network is used.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			flag.CommandLine.Parse(nil)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&a.url, "url", "", "Relay base URL, e.g. ws://localhost:1234 (default: discover over mDNS)")
	pf.StringVar(&a.room, "room", board.DefaultRoom, "Room to join")
	pf.StringVar(&a.cache, "cache", "", "bbolt file holding the last known board for offline start")
	pf.StringVar(&a.service, "service", config.DefaultService, "mDNS service type to browse")
	pf.StringVar(&a.name, "name", "", "Display name announced as presence")
	pf.StringVar(&a.color, "color", "#ff7f50", "Presence color")
	pf.DurationVar(&a.timeout, "timeout", 10*time.Second, "How long to wait for the initial sync")
	pf.DurationVar(&a.discover, "discover-timeout", 5*time.Second, "How long to browse for a relay")
	pf.AddGoFlagSet(flag.CommandLine)

	cmd.AddCommand(
		newWatchCmd(a),
		newSeedCmd(a),
		newListCmd(a),
		newAddNodeCmd(a),
		newMoveCmd(a),
		newConnectCmd(a),
		newDeleteCmd(a),
	)
	return cmd
}

// session is an open, synced board plus its optional cache.
type session struct {
	*board.Board
	cache *bolt.Store
}

// open resolves the relay, restores the cached board and waits for the
// first sync.
func (a *agent) open(ctx context.Context) (*session, error) {
	url := a.url
	if url == "" {
		ctx, cancel := context.WithTimeout(ctx, a.discover)
		peer, err := discovery.Find(ctx, a.service)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("finding a relay (use --url): %w", err)
		}
		url = peer.URL()
		glog.Infof("Using relay %s at %s", peer.Instance, url)
	}

	s := &session{}
	doc := crdt.New(crdt.NewClientID())
	if a.cache != "" {
		st, err := bolt.Open(a.cache)
		if err != nil {
			return nil, err
		}
		s.cache = st
		if err := restore(ctx, st, a.room, doc); err != nil {
			glog.Warningf("Ignoring cached board: %v", err)
		}
	}

	opts := board.Options{URL: url, Room: a.room, Doc: doc}
	if a.name != "" {
		opts.User = &awareness.User{Name: a.name, Color: a.color}
	}
	s.Board = board.Open(opts)

	syncCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := s.WaitSynced(syncCtx); err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("syncing room %q with %s: %w", a.room, url, err)
	}
	return s, nil
}

func restore(ctx context.Context, st store.DocumentStore, room string, doc *crdt.Doc) error {
	b, err := st.Load(ctx, room)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return codec.DecodeAndApply(doc, b, nil)
}

// close leaves the room and writes the board to the cache.
func (s *session) close(ctx context.Context) {
	if s.Board != nil {
		s.Board.Close()
	}
	if s.cache == nil {
		return
	}
	if s.Board != nil {
		if err := s.cache.Save(ctx, s.Room(), codec.EncodeUpdate(s.Doc(), nil)); err != nil {
			glog.Warningf("Saving cache: %v", err)
		}
	}
	s.cache.Close()
}

// withBoard runs fn on an open session and closes it afterwards.
func (a *agent) withBoard(cmd *cobra.Command, fn func(*session) error) error {
	s, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close(context.Background())
	return fn(s)
}
