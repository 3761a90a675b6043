// Package relay fans room messages out to other relay processes.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/codec"
)

// Relay publishes room messages to peer processes and delivers theirs.
// Messages published by this process are never delivered back to it.
type Relay interface {
	Publish(ctx context.Context, room string, msg []byte) error
	// Subscribe calls fn for every message a peer publishes on room until
	// the returned func is called.
	Subscribe(ctx context.Context, room string, fn func([]byte)) (func(), error)
	Close() error
}

// Local is the relay of a single-process deployment; it does nothing.
type Local struct{}

var _ Relay = Local{}

func (Local) Publish(context.Context, string, []byte) error { return nil }

func (Local) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return func() {}, nil
}

func (Local) Close() error { return nil }

// DefaultChannelPrefix namespaces the pub/sub channels, one per room.
const DefaultChannelPrefix = "vibecanvas:room:"

// Redis relays through Redis pub/sub.
type Redis struct {
	rdb      *redis.Client
	instance string
	prefix   string
	owned    bool
}

var _ Relay = (*Redis)(nil)

// DialRedis connects to addr. The client is closed by Close.
func DialRedis(ctx context.Context, addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	r := NewRedis(rdb)
	r.owned = true
	return r, nil
}

// NewRedis uses an existing client, which the caller keeps ownership of.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, instance: uuid.NewString(), prefix: DefaultChannelPrefix}
}

// Instance returns the id stamped on published messages.
func (r *Redis) Instance() string {
	return r.instance
}

func (r *Redis) channel(room string) string {
	return r.prefix + room
}

func (r *Redis) Publish(ctx context.Context, room string, msg []byte) error {
	if err := r.rdb.Publish(ctx, r.channel(room), encodeEnvelope(r.instance, msg)).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", room, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, room string, fn func([]byte)) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel(room))
	// Wait for the subscription so nothing published after we return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", room, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range pubsub.Channel() {
			instance, msg, err := decodeEnvelope([]byte(m.Payload))
			if err != nil {
				glog.Warningf("Dropping relay message on %s: %v", m.Channel, err)
				continue
			}
			if instance == r.instance {
				continue
			}
			fn(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			pubsub.Close()
			<-done
		})
	}, nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}

func encodeEnvelope(instance string, msg []byte) []byte {
	var w codec.Writer
	w.PutText(instance)
	w.PutVarBytes(msg)
	return w.Bytes()
}

func decodeEnvelope(b []byte) (string, []byte, error) {
	r := codec.NewReader(b)
	instance := r.Text()
	msg := r.VarBytes()
	if err := r.Done(); err != nil {
		return "", nil, &codec.DecodeError{What: "relay envelope", Err: err}
	}
	return instance, msg, nil
}
