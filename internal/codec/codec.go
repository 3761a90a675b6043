// Package codec serializes state vectors and document deltas into a compact,
// deterministic binary form.
//
// State vector: count, then (client, clock) pairs by ascending client.
//
// Update: range count, then (client, start, length) by ascending client;
// op count, then per op client, clock, lamport, kind, mapping, key, and for
// set ops the field name and a tagged value.
package codec

import (
	"fmt"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/crdt"
)

// DecodeError reports malformed state vector, update or message bytes.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Document is the replica surface the codec reads from and applies to.
type Document interface {
	StateVector() crdt.StateVector
	Diff(sv crdt.StateVector) *crdt.Update
	Apply(u *crdt.Update, origin any) error
}

const (
	tagNull byte = iota
	tagString
	tagNumber
	tagTrue
	tagFalse
	tagStrings
)

// EncodeStateVector encodes the document's state vector.
func EncodeStateVector(doc Document) []byte {
	return MarshalStateVector(doc.StateVector())
}

// MarshalStateVector encodes sv.
func MarshalStateVector(sv crdt.StateVector) []byte {
	var w Writer
	clients := sv.Clients()
	w.PutUint(uint64(len(clients)))
	for _, c := range clients {
		w.PutUint(uint64(c))
		w.PutUint(sv[c])
	}
	return w.Bytes()
}

// DecodeStateVector parses bytes produced by EncodeStateVector.
func DecodeStateVector(b []byte) (crdt.StateVector, error) {
	r := NewReader(b)
	n := r.Count(2)
	sv := make(crdt.StateVector, n)
	for i := 0; i < n; i++ {
		c := r.Uint()
		clock := r.Uint()
		if c > uint64(^uint32(0)) {
			return nil, &DecodeError{What: "state vector", Err: fmt.Errorf("client id %d out of range", c)}
		}
		sv[crdt.ClientID(c)] = clock
	}
	if err := r.Done(); err != nil {
		return nil, &DecodeError{What: "state vector", Err: err}
	}
	return sv, nil
}

// EncodeUpdate encodes everything the document holds that sv has not seen.
// A nil sv encodes the whole document.
func EncodeUpdate(doc Document, sv crdt.StateVector) []byte {
	return MarshalUpdate(doc.Diff(sv))
}

// EncodeStateAsUpdate is EncodeUpdate with an encoded state vector, as
// received in a sync-step-1 message. Empty svBytes means the full state.
func EncodeStateAsUpdate(doc Document, svBytes []byte) ([]byte, error) {
	var sv crdt.StateVector
	if len(svBytes) > 0 {
		var err error
		if sv, err = DecodeStateVector(svBytes); err != nil {
			return nil, err
		}
	}
	return EncodeUpdate(doc, sv), nil
}

// MarshalUpdate encodes u in canonical order.
func MarshalUpdate(u *crdt.Update) []byte {
	c := &crdt.Update{
		Ranges: append([]crdt.Range(nil), u.Ranges...),
		Ops:    append([]crdt.Op(nil), u.Ops...),
	}
	c.Normalize()

	var w Writer
	w.PutUint(uint64(len(c.Ranges)))
	for _, r := range c.Ranges {
		w.PutUint(uint64(r.Client))
		w.PutUint(r.Start)
		w.PutUint(r.End - r.Start)
	}
	w.PutUint(uint64(len(c.Ops)))
	for i := range c.Ops {
		op := &c.Ops[i]
		w.PutUint(uint64(op.ID.Client))
		w.PutUint(op.ID.Clock)
		w.PutUint(op.Lamport)
		w.PutUint8(byte(op.Kind))
		w.PutUint8(byte(op.Mapping))
		w.PutText(op.Key)
		if op.Kind == crdt.OpSet {
			w.PutText(op.Field)
			writeValue(&w, op.Value)
		}
	}
	return w.Bytes()
}

func writeValue(w *Writer, v any) {
	switch x := v.(type) {
	case string:
		w.PutUint8(tagString)
		w.PutText(x)
	case float64:
		w.PutUint8(tagNumber)
		w.PutFloat64(x)
	case bool:
		if x {
			w.PutUint8(tagTrue)
		} else {
			w.PutUint8(tagFalse)
		}
	case []string:
		w.PutUint8(tagStrings)
		w.PutUint(uint64(len(x)))
		for _, s := range x {
			w.PutText(s)
		}
	default:
		w.PutUint8(tagNull)
	}
}

// UnmarshalUpdate parses and validates an encoded update.
func UnmarshalUpdate(b []byte) (*crdt.Update, error) {
	r := NewReader(b)
	u := &crdt.Update{}
	nr := r.Count(3)
	for i := 0; i < nr && r.Err() == nil; i++ {
		client := readClient(r)
		start := r.Uint()
		length := r.Uint()
		if start+length < start {
			return nil, &DecodeError{What: "update", Err: fmt.Errorf("range %d overflows", client)}
		}
		u.Ranges = append(u.Ranges, crdt.Range{Client: client, Start: start, End: start + length})
	}
	no := r.Count(6)
	for i := 0; i < no && r.Err() == nil; i++ {
		op := crdt.Op{}
		op.ID.Client = readClient(r)
		op.ID.Clock = r.Uint()
		op.Lamport = r.Uint()
		op.Kind = crdt.OpKind(r.Uint8())
		op.Mapping = crdt.Mapping(r.Uint8())
		op.Key = r.Text()
		if op.Kind == crdt.OpSet {
			op.Field = r.Text()
			op.Value = readValue(r)
		}
		u.Ops = append(u.Ops, op)
	}
	if err := r.Done(); err != nil {
		return nil, &DecodeError{What: "update", Err: err}
	}
	if err := u.Validate(); err != nil {
		return nil, &DecodeError{What: "update", Err: err}
	}
	return u, nil
}

func readClient(r *Reader) crdt.ClientID {
	c := r.Uint()
	if c > uint64(^uint32(0)) {
		r.fail(fmt.Errorf("client id %d out of range", c))
		return 0
	}
	return crdt.ClientID(c)
}

func readValue(r *Reader) any {
	switch tag := r.Uint8(); tag {
	case tagNull:
		return nil
	case tagString:
		return r.Text()
	case tagNumber:
		return r.Float64()
	case tagTrue:
		return true
	case tagFalse:
		return false
	case tagStrings:
		n := r.Count(1)
		list := make([]string, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			list = append(list, r.Text())
		}
		return list
	default:
		r.fail(fmt.Errorf("unknown value tag %d", tag))
		return nil
	}
}

// DecodeAndApply decodes an update and merges it into doc. Malformed bytes
// leave doc untouched.
func DecodeAndApply(doc Document, b []byte, origin any) error {
	u, err := UnmarshalUpdate(b)
	if err != nil {
		return err
	}
	if err := doc.Apply(u, origin); err != nil {
		return &DecodeError{What: "update", Err: err}
	}
	return nil
}
