// Package protocol frames the messages exchanged between a provider and the
// relay server and implements the two-step sync handshake.
package protocol

import (
	"fmt"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/codec"
)

// Kind identifies a message on the wire.
type Kind uint8

const (
	SyncStep1      Kind = iota // state vector
	SyncStep2                  // update since the peer's state vector
	Update                     // incremental delta
	Awareness                  // encoded awareness entries
	QueryAwareness             // ask the peer for all awareness entries
)

func (k Kind) String() string {
	switch k {
	case SyncStep1:
		return "sync-step-1"
	case SyncStep2:
		return "sync-step-2"
	case Update:
		return "update"
	case Awareness:
		return "awareness-update"
	case QueryAwareness:
		return "query-awareness"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one framed protocol message.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Encode frames m as kind followed by the length-prefixed payload.
func Encode(m Message) []byte {
	var w codec.Writer
	w.PutUint(uint64(m.Kind))
	w.PutVarBytes(m.Payload)
	return w.Bytes()
}

// Decode parses a framed message.
func Decode(b []byte) (Message, error) {
	r := codec.NewReader(b)
	kind := r.Uint()
	payload := r.VarBytes()
	if err := r.Done(); err != nil {
		return Message{}, &codec.DecodeError{What: "message", Err: err}
	}
	if kind > uint64(QueryAwareness) {
		return Message{}, &codec.DecodeError{What: "message", Err: fmt.Errorf("unknown kind %d", kind)}
	}
	return Message{Kind: Kind(kind), Payload: payload}, nil
}

// Step1 builds the opening message of the handshake.
func Step1(doc codec.Document) Message {
	return Message{Kind: SyncStep1, Payload: codec.EncodeStateVector(doc)}
}

// HandleSync processes a sync message against doc. For sync-step-1 it
// returns the sync-step-2 reply; sync-step-2 and update payloads are applied
// with origin. Other kinds are rejected.
func HandleSync(doc codec.Document, m Message, origin any) (*Message, error) {
	switch m.Kind {
	case SyncStep1:
		update, err := codec.EncodeStateAsUpdate(doc, m.Payload)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: SyncStep2, Payload: update}, nil
	case SyncStep2, Update:
		return nil, codec.DecodeAndApply(doc, m.Payload, origin)
	default:
		return nil, fmt.Errorf("%s is not a sync message", m.Kind)
	}
}
