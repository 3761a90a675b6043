// Package geometry computes connector endpoints from node geometry.
package geometry

import (
	"math"
	"sort"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
)

// Anchor names accepted on edges.
const (
	AnchorTop    = "top"
	AnchorBottom = "bottom"
	AnchorLeft   = "left"
	AnchorRight  = "right"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EdgePath is the polyline a view draws for one edge.
type EdgePath struct {
	ID     string    `json:"id"`
	Points []float64 `json:"points"`
	Type   string    `json:"type"`
}

// Center returns the middle of the node's bounding box.
func Center(n crdt.NodeRecord) Point {
	return Point{X: n.X + n.Width/2, Y: n.Y + n.Height/2}
}

// AnchorPoint returns the named anchor on n's boundary, or its center when
// the anchor is empty or unknown. Circles use width/2 as their radius.
func AnchorPoint(n crdt.NodeRecord, anchor string) Point {
	if n.Type == crdt.ShapeCircle {
		r := n.Width / 2
		cx, cy := n.X+r, n.Y+r
		switch anchor {
		case AnchorTop:
			return Point{cx, n.Y}
		case AnchorBottom:
			return Point{cx, n.Y + n.Height}
		case AnchorLeft:
			return Point{n.X, cy}
		case AnchorRight:
			return Point{n.X + n.Width, cy}
		}
		return Point{cx, cy}
	}

	switch anchor {
	case AnchorTop:
		return Point{n.X + n.Width/2, n.Y}
	case AnchorBottom:
		return Point{n.X + n.Width/2, n.Y + n.Height}
	case AnchorLeft:
		return Point{n.X, n.Y + n.Height/2}
	case AnchorRight:
		return Point{n.X + n.Width, n.Y + n.Height/2}
	}
	return Center(n)
}

// IntersectionPoint returns where the segment from the point from to the
// center of n crosses n's boundary.
func IntersectionPoint(from Point, n crdt.NodeRecord) Point {
	if n.Type == crdt.ShapeCircle {
		r := n.Width / 2
		cx, cy := n.X+r, n.Y+r
		dx, dy := from.X-cx, from.Y-cy
		dist := math.Hypot(dx, dy)
		if dist == 0 {
			return Point{cx, cy}
		}
		return Point{cx + dx*r/dist, cy + dy*r/dist}
	}

	c := Center(n)
	dx, dy := from.X-c.X, from.Y-c.Y
	adx, ady := math.Abs(dx), math.Abs(dy)
	if adx == 0 && ady == 0 {
		return c
	}
	if adx*n.Height > ady*n.Width {
		x := n.X
		if dx > 0 {
			x = n.X + n.Width
		}
		return Point{x, c.Y + dy*(n.Width/2)/adx}
	}
	y := n.Y
	if dy > 0 {
		y = n.Y + n.Height
	}
	return Point{c.X + dx*(n.Height/2)/ady, y}
}

// EdgePoints computes a path for every edge whose endpoints both exist.
// Dangling edges are skipped. Paths are sorted by edge id.
func EdgePoints(nodes map[string]crdt.NodeRecord, edges map[string]crdt.EdgeRecord) []EdgePath {
	out := make([]EdgePath, 0, len(edges))
	for _, e := range edges {
		src, ok := nodes[e.SourceID]
		if !ok {
			continue
		}
		dst, ok := nodes[e.TargetID]
		if !ok {
			continue
		}
		var start, end Point
		if e.SourceAnchor != "" {
			start = AnchorPoint(src, e.SourceAnchor)
		} else {
			start = IntersectionPoint(Center(dst), src)
		}
		if e.TargetAnchor != "" {
			end = AnchorPoint(dst, e.TargetAnchor)
		} else {
			end = IntersectionPoint(Center(src), dst)
		}
		// Curved edges share the endpoints; the renderer applies tension.
		out = append(out, EdgePath{
			ID:     e.ID,
			Points: []float64{start.X, start.Y, end.X, end.Y},
			Type:   e.Type,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
