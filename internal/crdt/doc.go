// Package crdt implements the replicated whiteboard document: two maps of
// records (nodes and edges) whose fields merge with last-writer-wins
// registers, plus the state vectors and deltas used to synchronize replicas.
package crdt

import (
	"sort"
	"sync"
)

// ChangeEvent describes one committed transaction. Nodes and Edges list the
// keys whose visible state changed, sorted.
type ChangeEvent struct {
	Origin any
	Local  bool
	Nodes  []string
	Edges  []string
}

type entry struct {
	live   *Op
	fields map[string]*Op
}

func (e *entry) alive() bool {
	return e.live != nil && e.live.Kind == OpInsert
}

type queued struct {
	change  *ChangeEvent
	updates []*Update
	origin  any
}

// Doc is one replica of a whiteboard document.
//
// Mutations are serialized by an internal lock. Listeners run after the
// transaction commits, in commit order, outside the lock, so they may read or
// mutate the document.
type Doc struct {
	mu      sync.Mutex
	client  ClientID
	clock   uint64
	lamport uint64
	sv      StateVector
	maps    [2]map[string]*entry
	pending []*Update

	listeners       map[uint64]func(ChangeEvent)
	updateListeners map[uint64]func(*Update, any)
	nextListener    uint64
	queue           []queued
	draining        bool
}

// New creates an empty document for the given client.
func New(client ClientID) *Doc {
	return &Doc{
		client:          client,
		sv:              StateVector{},
		maps:            [2]map[string]*entry{{}, {}},
		listeners:       map[uint64]func(ChangeEvent){},
		updateListeners: map[uint64]func(*Update, any){},
	}
}

// ClientID returns the id this replica stamps on its own operations.
func (d *Doc) ClientID() ClientID {
	return d.client
}

// StateVector returns a copy of the replica's state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// Subscribe registers fn to be called once per committed transaction that
// changed visible state. The returned func removes the listener.
func (d *Doc) Subscribe(fn func(ChangeEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// OnUpdate registers fn to receive the delta of every local transaction and
// every newly applied remote delta, with the transaction origin.
func (d *Doc) OnUpdate(fn func(*Update, any)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextListener
	d.nextListener++
	d.updateListeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.updateListeners, id)
	}
}

// Close drops all listeners and buffered deltas.
func (d *Doc) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = map[uint64]func(ChangeEvent){}
	d.updateListeners = map[uint64]func(*Update, any){}
	d.pending = nil
	d.queue = nil
}

// Txn is an open transaction. It is only valid inside the func passed to
// Transact.
type Txn struct {
	d       *Doc
	origin  any
	start   uint64
	ops     []Op
	changed [2]map[string]struct{}
}

// Transact runs fn as one logical batch; listeners observe its effects once.
func (d *Doc) Transact(origin any, fn func(*Txn)) {
	d.mu.Lock()
	tx := &Txn{d: d, origin: origin, start: d.clock}
	fn(tx)
	var updates []*Update
	if len(tx.ops) > 0 {
		updates = append(updates, &Update{
			Ranges: []Range{{Client: d.client, Start: tx.start, End: d.clock}},
			Ops:    tx.ops,
		})
	}
	d.commit(tx.event(true), updates, origin)
}

// Live reports whether key is a live entry of m.
func (tx *Txn) Live(m Mapping, key string) bool {
	e := tx.d.maps[m][key]
	return e != nil && e.alive()
}

// Get returns the current value of one field of a live entry.
func (tx *Txn) Get(m Mapping, key, field string) (any, bool) {
	e := tx.d.maps[m][key]
	if e == nil || !e.alive() {
		return nil, false
	}
	op := e.fields[field]
	if op == nil {
		return nil, false
	}
	return op.Value, true
}

// Keys returns the live keys of m, sorted.
func (tx *Txn) Keys(m Mapping) []string {
	return tx.d.keys(m)
}

// Insert marks key live in m.
func (tx *Txn) Insert(m Mapping, key string) {
	tx.local(Op{Kind: OpInsert, Mapping: m, Key: key})
}

// Delete marks key deleted in m. Deleting an absent key is a no-op.
func (tx *Txn) Delete(m Mapping, key string) {
	if !tx.Live(m, key) {
		return
	}
	tx.local(Op{Kind: OpDelete, Mapping: m, Key: key})
}

// Set writes one field of a live entry; it is a no-op when key is not live.
func (tx *Txn) Set(m Mapping, key, field string, value any) {
	if !tx.Live(m, key) {
		return
	}
	tx.local(Op{Kind: OpSet, Mapping: m, Key: key, Field: field, Value: normalizeValue(value)})
}

func (tx *Txn) put(m Mapping, key string, fields []fieldValue) {
	tx.Insert(m, key)
	for _, f := range fields {
		tx.Set(m, key, f.name, f.value)
	}
}

func (tx *Txn) local(op Op) {
	d := tx.d
	d.lamport++
	op.ID = ID{Client: d.client, Clock: d.clock}
	op.Lamport = d.lamport
	d.clock++
	d.sv[d.client] = d.clock
	tx.ops = append(tx.ops, op)
	d.integrate(&tx.ops[len(tx.ops)-1], tx)
}

func (tx *Txn) mark(m Mapping, key string) {
	if tx.changed[m] == nil {
		tx.changed[m] = map[string]struct{}{}
	}
	tx.changed[m][key] = struct{}{}
}

func (tx *Txn) event(local bool) *ChangeEvent {
	if len(tx.changed[Nodes]) == 0 && len(tx.changed[Edges]) == 0 {
		return nil
	}
	return &ChangeEvent{
		Origin: tx.origin,
		Local:  local,
		Nodes:  sortedKeys(tx.changed[Nodes]),
		Edges:  sortedKeys(tx.changed[Edges]),
	}
}

// integrate merges op into the register it targets. Callers hold d.mu.
func (d *Doc) integrate(op *Op, tx *Txn) {
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	e := d.maps[op.Mapping][op.Key]
	if e == nil {
		e = &entry{fields: map[string]*Op{}}
		d.maps[op.Mapping][op.Key] = e
	}
	switch op.Kind {
	case OpInsert, OpDelete:
		if e.live != nil && !op.wins(e.live) {
			return
		}
		was := e.alive()
		e.live = op
		if was != e.alive() {
			tx.mark(op.Mapping, op.Key)
		}
	case OpSet:
		cur := e.fields[op.Field]
		if cur != nil && !op.wins(cur) {
			return
		}
		e.fields[op.Field] = op
		if e.alive() && (cur == nil || !valuesEqual(cur.Value, op.Value)) {
			tx.mark(op.Mapping, op.Key)
		}
	}
}

// Apply merges a remote delta. Ops already known are merged idempotently. A
// delta that starts past the local clock of some client is buffered until
// the missing range arrives.
func (d *Doc) Apply(u *Update, origin any) error {
	if err := u.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	tx := &Txn{d: d, origin: origin}
	var applied []*Update
	if !d.applicable(u) {
		d.pending = append(d.pending, u)
	} else {
		if d.integrateUpdate(u, tx) {
			applied = append(applied, u)
		}
		applied = append(applied, d.drainPending(tx)...)
	}
	d.commit(tx.event(false), applied, origin)
	return nil
}

// Pending reports how many deltas are buffered waiting for missing ranges.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Doc) applicable(u *Update) bool {
	for _, r := range u.Ranges {
		if r.Start > d.sv[r.Client] {
			return false
		}
	}
	return true
}

// integrateUpdate applies u and reports whether it advanced the state vector.
func (d *Doc) integrateUpdate(u *Update, tx *Txn) bool {
	for i := range u.Ops {
		op := u.Ops[i]
		d.integrate(&op, tx)
	}
	advanced := false
	for _, r := range u.Ranges {
		if r.End > d.sv[r.Client] {
			d.sv[r.Client] = r.End
			advanced = true
		}
	}
	if d.sv[d.client] > d.clock {
		d.clock = d.sv[d.client]
	}
	return advanced
}

func (d *Doc) drainPending(tx *Txn) []*Update {
	var applied []*Update
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, u := range d.pending {
			if !d.applicable(u) {
				rest = append(rest, u)
				continue
			}
			progress = true
			if d.integrateUpdate(u, tx) {
				applied = append(applied, u)
			}
		}
		d.pending = rest
	}
	return applied
}

// commit queues listener notifications and releases d.mu. The first caller to
// find the queue idle drains it, so notifications keep commit order even when
// a listener mutates the document.
func (d *Doc) commit(ev *ChangeEvent, updates []*Update, origin any) {
	if ev == nil && len(updates) == 0 {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, queued{change: ev, updates: updates, origin: origin})
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		q := d.queue[0]
		d.queue = d.queue[1:]
		updateFns := sortedListeners(d.updateListeners)
		changeFns := sortedListeners(d.listeners)
		d.mu.Unlock()

		for _, u := range q.updates {
			for _, fn := range updateFns {
				fn(u, q.origin)
			}
		}
		if q.change != nil {
			for _, fn := range changeFns {
				fn(*q.change)
			}
		}
	}
}

// Diff returns everything this replica has recorded that sv has not seen.
func (d *Doc) Diff(sv StateVector) *Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := &Update{}
	for _, c := range d.sv.Clients() {
		if end := d.sv[c]; end > sv[c] {
			u.Ranges = append(u.Ranges, Range{Client: c, Start: sv[c], End: end})
		}
	}
	for m := range d.maps {
		for _, e := range d.maps[m] {
			if e.live != nil && !sv.Covers(e.live.ID) {
				u.Ops = append(u.Ops, *e.live)
			}
			for _, op := range e.fields {
				if !sv.Covers(op.ID) {
					u.Ops = append(u.Ops, *op)
				}
			}
		}
	}
	u.Normalize()
	return u
}

// Empty reports whether the document has no live entries.
func (d *Doc) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys(Nodes)) == 0 && len(d.keys(Edges)) == 0
}

// Entry returns the raw field map of a live entry.
func (d *Doc) Entry(m Mapping, key string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.maps[m][key]
	if e == nil || !e.alive() {
		return nil, false
	}
	return e.snapshot(), true
}

func (e *entry) snapshot() map[string]any {
	out := make(map[string]any, len(e.fields))
	for name, op := range e.fields {
		if list, ok := op.Value.([]string); ok {
			out[name] = append([]string(nil), list...)
			continue
		}
		out[name] = op.Value
	}
	return out
}

func (d *Doc) keys(m Mapping) []string {
	var keys []string
	for k, e := range d.maps[m] {
		if e.alive() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedListeners[F any](m map[uint64]F) []F {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]F, len(ids))
	for i, id := range ids {
		fns[i] = m[id]
	}
	return fns
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case []string:
		if x == nil {
			return nil
		}
		return append([]string(nil), x...)
	}
	return v
}

func valuesEqual(a, b any) bool {
	la, aok := a.([]string)
	lb, bok := b.([]string)
	if aok || bok {
		if !aok || !bok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if la[i] != lb[i] {
				return false
			}
		}
		return true
	}
	return a == b
}
