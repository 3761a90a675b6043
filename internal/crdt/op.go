package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ClientID identifies one replica of a document for the lifetime of a session.
type ClientID uint32

// NewClientID returns a random client id.
func NewClientID() ClientID {
	u := uuid.New()
	return ClientID(binary.BigEndian.Uint32(u[:4]))
}

// ID is a globally unique identifier for an operation, combining the client
// that produced it with that client's sequence number.
type ID struct {
	Client ClientID `json:"client"`
	Clock  uint64   `json:"clock"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// Mapping names one of the two top-level maps of a document.
type Mapping uint8

const (
	Nodes Mapping = iota
	Edges
)

func (m Mapping) String() string {
	switch m {
	case Nodes:
		return "nodes"
	case Edges:
		return "edges"
	default:
		return fmt.Sprintf("mapping(%d)", uint8(m))
	}
}

// Valid reports whether m is a known mapping.
func (m Mapping) Valid() bool {
	return m == Nodes || m == Edges
}

// OpKind is the kind of a replicated operation.
type OpKind uint8

const (
	OpInsert OpKind = iota // map entry becomes live
	OpDelete               // map entry becomes deleted
	OpSet                  // one field of an entry is written
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpSet:
		return "set"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is a single replicated operation. Insert and delete ops carry no field.
// Value is one of nil, string, float64, bool or []string.
type Op struct {
	ID      ID
	Lamport uint64
	Kind    OpKind
	Mapping Mapping
	Key     string
	Field   string
	Value   any
}

// wins reports whether a beats b under last-writer-wins.
func (a *Op) wins(b *Op) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	if a.ID.Client != b.ID.Client {
		return a.ID.Client > b.ID.Client
	}
	return a.ID.Clock > b.ID.Clock
}

// Range is the half-open clock interval [Start, End) of one client covered by
// an update.
type Range struct {
	Client ClientID
	Start  uint64
	End    uint64
}

// Update is a delta: the clock ranges it covers plus the operations from those
// ranges that are still visible. Ops overwritten before the delta was cut are
// omitted; the ranges still advance the receiver's state vector past them.
type Update struct {
	Ranges []Range
	Ops    []Op
}

// Empty reports whether the update carries nothing.
func (u *Update) Empty() bool {
	return u == nil || (len(u.Ranges) == 0 && len(u.Ops) == 0)
}

// Normalize sorts ranges by client and ops by id, which makes encoding
// deterministic.
func (u *Update) Normalize() {
	sort.Slice(u.Ranges, func(i, j int) bool {
		if u.Ranges[i].Client != u.Ranges[j].Client {
			return u.Ranges[i].Client < u.Ranges[j].Client
		}
		return u.Ranges[i].Start < u.Ranges[j].Start
	})
	sort.Slice(u.Ops, func(i, j int) bool {
		a, b := u.Ops[i].ID, u.Ops[j].ID
		if a.Client != b.Client {
			return a.Client < b.Client
		}
		return a.Clock < b.Clock
	})
}

// Validate checks that every op lies inside one of the update's ranges and
// names a known mapping.
func (u *Update) Validate() error {
	for _, r := range u.Ranges {
		if r.End < r.Start {
			return fmt.Errorf("range %d [%d,%d) is inverted", r.Client, r.Start, r.End)
		}
	}
	for i := range u.Ops {
		op := &u.Ops[i]
		if !op.Mapping.Valid() {
			return fmt.Errorf("op %s: unknown mapping %d", op.ID, op.Mapping)
		}
		if op.Kind > OpSet {
			return fmt.Errorf("op %s: unknown kind %d", op.ID, op.Kind)
		}
		if op.Kind == OpSet && op.Field == "" {
			return fmt.Errorf("op %s: set without field", op.ID)
		}
		if !checkValue(op.Value) {
			return fmt.Errorf("op %s: unsupported value type %T", op.ID, op.Value)
		}
		if !u.covers(op.ID) {
			return fmt.Errorf("op %s lies outside the update ranges", op.ID)
		}
	}
	return nil
}

func (u *Update) covers(id ID) bool {
	for _, r := range u.Ranges {
		if r.Client == id.Client && id.Clock >= r.Start && id.Clock < r.End {
			return true
		}
	}
	return false
}

func checkValue(v any) bool {
	switch v.(type) {
	case nil, string, float64, bool, []string:
		return true
	}
	return false
}

// StateVector maps each known client to the next clock expected from it.
type StateVector map[ClientID]uint64

// Clone returns a copy of sv.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for c, clock := range sv {
		out[c] = clock
	}
	return out
}

// Clients returns the clients of sv in ascending order.
func (sv StateVector) Clients() []ClientID {
	clients := make([]ClientID, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// Covers reports whether sv has seen op id.
func (sv StateVector) Covers(id ID) bool {
	return id.Clock < sv[id.Client]
}
