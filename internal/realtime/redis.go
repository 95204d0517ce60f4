package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEmitter publishes room envelopes over Redis pub/sub for the socket
// tier. Publish failures are logged and dropped; callers never block on them.
type RedisEmitter struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

// NewRedisEmitter connects to Redis and verifies the connection.
func NewRedisEmitter(ctx context.Context, url, prefix string) (*RedisEmitter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisEmitter{Client: client, Prefix: prefix, Timeout: 2 * time.Second}, nil
}

func (e *RedisEmitter) Close() error { return e.Client.Close() }

func (e *RedisEmitter) publish(room string, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("realtime marshal failed", "err", err, "event", ev.Name, "room", room)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	defer cancel()
	if err := e.Client.Publish(ctx, e.Prefix+room, body).Err(); err != nil {
		slog.Error("realtime publish failed", "err", err, "event", ev.Name, "room", room)
	}
}

func (e *RedisEmitter) EmitToTenant(id string, ev Event)    { e.publish(tenantRoom(id), ev) }
func (e *RedisEmitter) EmitToTicket(id string, ev Event)    { e.publish(ticketRoom(id), ev) }
func (e *RedisEmitter) EmitToAgreement(id string, ev Event) { e.publish(agreementRoom(id), ev) }
func (e *RedisEmitter) EmitToUser(id string, ev Event)      { e.publish(userRoom(id), ev) }

// Fanout emits every event to all wrapped emitters, letting the in-process
// hub and Redis run side by side.
type Fanout []Emitter

func (f Fanout) EmitToTenant(id string, ev Event) {
	for _, e := range f {
		e.EmitToTenant(id, ev)
	}
}

func (f Fanout) EmitToTicket(id string, ev Event) {
	for _, e := range f {
		e.EmitToTicket(id, ev)
	}
}

func (f Fanout) EmitToAgreement(id string, ev Event) {
	for _, e := range f {
		e.EmitToAgreement(id, ev)
	}
}

func (f Fanout) EmitToUser(id string, ev Event) {
	for _, e := range f {
		e.EmitToUser(id, ev)
	}
}
