package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/awareness"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/provider"
)

func newSeedCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Add the demo shapes if the board is empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBoard(cmd, func(s *session) error {
				if s.SeedIfEmpty() {
					fmt.Fprintf(cmd.OutOrStdout(), "Seeded room %s\n", s.Room())
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Room %s already has content\n", s.Room())
				}
				return nil
			})
		},
	}
}

func newListCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the nodes and edges of the board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBoard(cmd, func(s *session) error {
				printBoard(cmd, s)
				return nil
			})
		},
	}
}

func newAddNodeCmd(a *agent) *cobra.Command {
	n := crdt.NodeRecord{}
	cmd := &cobra.Command{
		Use:   "add-node [content]",
		Short: "Add a shape and print its id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				n.Content = args[0]
			}
			if n.Type != crdt.ShapeRectangle && n.Type != crdt.ShapeCircle {
				return fmt.Errorf("unknown shape %q", n.Type)
			}
			return a.withBoard(cmd, func(s *session) error {
				fmt.Fprintln(cmd.OutOrStdout(), s.AddNode(n))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&n.ID, "id", "", "Node id (default: generated)")
	f.StringVar(&n.Type, "type", crdt.ShapeRectangle, "Shape: rectangle or circle")
	f.Float64Var(&n.X, "x", 100, "Left edge")
	f.Float64Var(&n.Y, "y", 100, "Top edge")
	f.Float64Var(&n.Width, "width", 150, "Width")
	f.Float64Var(&n.Height, "height", 100, "Height")
	f.StringVar(&n.Color, "color", "#42b883", "Fill color")
	return cmd
}

func newMoveCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "move [node-id] [x] [y]",
		Short: "Move a node",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid x: %w", err)
			}
			y, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid y: %w", err)
			}
			return a.withBoard(cmd, func(s *session) error {
				if _, ok := s.Doc().Node(args[0]); !ok {
					return fmt.Errorf("node %q not found", args[0])
				}
				s.UpdateNodePosition(args[0], x, y)
				return nil
			})
		},
	}
}

func newConnectCmd(a *agent) *cobra.Command {
	e := crdt.EdgeRecord{}
	cmd := &cobra.Command{
		Use:   "connect [source-id] [target-id]",
		Short: "Connect two nodes and print the edge id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e.SourceID, e.TargetID = args[0], args[1]
			return a.withBoard(cmd, func(s *session) error {
				for _, id := range args {
					if _, ok := s.Doc().Node(id); !ok {
						return fmt.Errorf("node %q not found", id)
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), s.AddEdge(e))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&e.ID, "id", "", "Edge id (default: generated)")
	f.StringVar(&e.Type, "type", crdt.EdgeStraight, "Connector: straight or curved")
	f.StringVar(&e.SourceAnchor, "source-anchor", "", "Anchor on the source node: top, bottom, left or right")
	f.StringVar(&e.TargetAnchor, "target-anchor", "", "Anchor on the target node")
	return cmd
}

func newDeleteCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a node with its edges, or a single edge",
		Long:  `Deletes the node with the given id and every edge attached to it, or the edge with that id. An id whose node is gone still clears the edges that point at it.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return a.withBoard(cmd, func(s *session) error {
				if _, ok := s.Doc().Node(id); ok {
					s.DeleteNode(id)
					return nil
				}
				if _, ok := s.Doc().Edge(id); ok {
					s.DeleteEdge(id)
					return nil
				}
				// Edges may still point at a node deleted concurrently.
				if len(s.NodeEdges()[id]) > 0 {
					s.DeleteNode(id)
					return nil
				}
				return fmt.Errorf("no node or edge %q", id)
			})
		},
	}
}

func newWatchCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print board changes and presence until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBoard(cmd, func(s *session) error {
				return watch(cmd, s)
			})
		},
	}
}

func watch(cmd *cobra.Command, s *session) error {
	changes := make(chan crdt.ChangeEvent, 64)
	presence := make(chan awareness.Change, 64)
	statuses := make(chan provider.Status, 8)
	defer s.Subscribe(func(ev crdt.ChangeEvent) {
		select {
		case changes <- ev:
		default:
		}
	})()
	defer s.SubscribeAwareness(func(ch awareness.Change) {
		select {
		case presence <- ch:
		default:
		}
	})()
	defer s.OnStatus(func(st provider.Status) {
		select {
		case statuses <- st:
		default:
		}
	})()

	printBoard(cmd, s)
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case st := <-statuses:
			fmt.Fprintf(cmd.OutOrStdout(), "status %s\n", st)
		case ev := <-changes:
			if ev.Local {
				continue
			}
			nodes := s.Nodes()
			for _, id := range ev.Nodes {
				if n, ok := nodes[id]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "node %s %s (%g,%g) %q\n", id, n.Type, n.X, n.Y, n.Content)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "node %s deleted\n", id)
				}
			}
			edges := s.Edges()
			for _, id := range ev.Edges {
				if e, ok := edges[id]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "edge %s %s -> %s\n", id, e.SourceID, e.TargetID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "edge %s deleted\n", id)
				}
			}
		case ch := <-presence:
			remote := s.RemoteAwareness()
			for _, id := range append(ch.Added, ch.Updated...) {
				if st, ok := remote[id]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "peer %d %s\n", id, describePresence(st))
				}
			}
			for _, id := range ch.Removed {
				fmt.Fprintf(cmd.OutOrStdout(), "peer %d left\n", id)
			}
		}
	}
}

func describePresence(st awareness.State) string {
	var parts []string
	if st.User != nil {
		parts = append(parts, st.User.Name)
	}
	if st.Cursor != nil {
		parts = append(parts, fmt.Sprintf("at (%g,%g)", st.Cursor.X, st.Cursor.Y))
	}
	if len(st.Selection) > 0 {
		parts = append(parts, "selecting "+strings.Join(st.Selection, ","))
	}
	if len(parts) == 0 {
		return "online"
	}
	return strings.Join(parts, " ")
}

func printBoard(cmd *cobra.Command, s *session) {
	nodes := s.Nodes()
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(cmd.OutOrStdout(), "room %s: %d nodes, %d edges\n", s.Room(), len(nodes), len(s.Edges()))
	for _, id := range ids {
		n := nodes[id]
		fmt.Fprintf(cmd.OutOrStdout(), "node %s %s (%g,%g) %gx%g %s %q\n", id, n.Type, n.X, n.Y, n.Width, n.Height, n.Color, n.Content)
	}
	for _, p := range s.EdgePoints() {
		var pts []string
		for _, pt := range p.Points {
			pts = append(pts, fmt.Sprintf("%g", pt))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "edge %s %s [%s]\n", p.ID, p.Type, strings.Join(pts, " "))
	}
}
