package crdt

import "sort"

// AddNode writes a whole node record under n.ID. Adding an id that already
// exists merges field by field with whatever the other writers left there.
func (d *Doc) AddNode(n NodeRecord) {
	d.Transact(nil, func(tx *Txn) {
		tx.put(Nodes, n.ID, n.fields())
	})
}

// AddEdge writes a whole edge record under e.ID. The endpoints are not
// checked.
func (d *Doc) AddEdge(e EdgeRecord) {
	d.Transact(nil, func(tx *Txn) {
		tx.put(Edges, e.ID, e.fields())
	})
}

// UpdateField writes a single field; it does nothing if the entry is absent.
func (d *Doc) UpdateField(m Mapping, id, field string, value any) {
	d.Transact(nil, func(tx *Txn) {
		tx.Set(m, id, field, value)
	})
}

// UpdateNodePosition moves a node in one transaction.
func (d *Doc) UpdateNodePosition(id string, x, y float64) {
	d.Transact(nil, func(tx *Txn) {
		tx.Set(Nodes, id, FieldX, x)
		tx.Set(Nodes, id, FieldY, y)
	})
}

// DeleteNode removes a node together with every edge that currently starts or
// ends at it in the local edge map. The edges are removed even when the node
// is already gone, which clears edges left dangling by a concurrent delete.
func (d *Doc) DeleteNode(id string) {
	d.Transact(nil, func(tx *Txn) {
		tx.Delete(Nodes, id)
		for _, edgeID := range tx.Keys(Edges) {
			src, _ := tx.Get(Edges, edgeID, FieldSourceID)
			dst, _ := tx.Get(Edges, edgeID, FieldTargetID)
			if src == id || dst == id {
				tx.Delete(Edges, edgeID)
			}
		}
	})
}

// DeleteEdge removes a single edge.
func (d *Doc) DeleteEdge(id string) {
	d.Transact(nil, func(tx *Txn) {
		tx.Delete(Edges, id)
	})
}

// Nodes returns a snapshot of the live nodes keyed by id.
func (d *Doc) Nodes() map[string]NodeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]NodeRecord)
	for key, e := range d.maps[Nodes] {
		if e.alive() {
			out[key] = nodeFromFields(key, e.snapshot())
		}
	}
	return out
}

// Edges returns a snapshot of the live edges keyed by id.
func (d *Doc) Edges() map[string]EdgeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]EdgeRecord)
	for key, e := range d.maps[Edges] {
		if e.alive() {
			out[key] = edgeFromFields(key, e.snapshot())
		}
	}
	return out
}

// Node returns one live node.
func (d *Doc) Node(id string) (NodeRecord, bool) {
	f, ok := d.Entry(Nodes, id)
	if !ok {
		return NodeRecord{}, false
	}
	return nodeFromFields(id, f), true
}

// Edge returns one live edge.
func (d *Doc) Edge(id string) (EdgeRecord, bool) {
	f, ok := d.Entry(Edges, id)
	if !ok {
		return EdgeRecord{}, false
	}
	return edgeFromFields(id, f), true
}

// NodeEdges indexes the live edges by the node ids they touch, once as
// source and once as target, so a self-loop is listed twice for its node.
// Dangling endpoints are indexed too; callers check node existence.
func (d *Doc) NodeEdges() map[string][]EdgeRecord {
	index := map[string][]EdgeRecord{}
	for _, e := range d.Edges() {
		index[e.SourceID] = append(index[e.SourceID], e)
		index[e.TargetID] = append(index[e.TargetID], e)
	}
	for _, edges := range index {
		sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	}
	return index
}
