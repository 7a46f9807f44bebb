// Package redis is an optional control-plane bridge: it lets an
// operator or sibling process publish a device's identity/credentials
// into Redis and observe a root's IOC_CONNECTION_DROP_COUNT-style
// status, without linking against the replication engine itself. The
// core (root, connection, mblk, ...) never imports this package -- per
// spec §1, persistent credential storage and any such bridging are
// collaborators, not part of the engine.
//
// Grounded directly on pkg/redis/client.go, trimmed to the handful of
// keys this bridge actually needs.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iocafe/iocom-sub000/pkg/iocom/root"
)

// Client wraps a go-redis connection for publishing/observing IOCOM
// status, the same HSet/Publish/Subscribe shape the teacher's bridge
// uses for device state.
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New dials addr and verifies the connection with a PING, matching the
// teacher's New.
func New(addr, password string, db int) (*Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("controlplane/redis: connect: %w", err)
	}
	return &Client{client: c, ctx: ctx}, nil
}

// PublishIdentity writes a device's identity fields into a Redis hash
// keyed by deviceKey and publishes a notification on the same key, the
// control-plane counterpart to what a device would otherwise only
// announce over the wire via mblk-info/auth.
func (c *Client) PublishIdentity(deviceKey, deviceName string, deviceNr uint32, networkName string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, deviceKey, map[string]interface{}{
		"device_name":  deviceName,
		"device_nr":    deviceNr,
		"network_name": networkName,
		"updated_at":   time.Now().Unix(),
	})
	pipe.Publish(c.ctx, deviceKey, fmt.Sprintf("identity:%s", deviceName))
	_, err := pipe.Exec(c.ctx)
	if err != nil {
		return fmt.Errorf("controlplane/redis: publish identity: %w", err)
	}
	return nil
}

// PublishCredentials stores a device's auth credentials for an
// operator-facing process to hand to a connecting endpoint; the core
// engine never reads Redis, this only feeds the Authorize callback an
// out-of-band process builds around it.
func (c *Client) PublishCredentials(deviceKey, userName, password string) error {
	return c.client.HSet(c.ctx, deviceKey, map[string]interface{}{
		"user_name": userName,
		"password":  password,
	}).Err()
}

// PublishStatus reports a root's live counters under statusKey, the
// bridge's view of IOC_NRO_CONNECTED_STREAMS/IOC_CONNECTION_DROP_COUNT.
func (c *Client) PublishStatus(statusKey string, connectedStreams int, dropCount uint32) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, statusKey, map[string]interface{}{
		"connected_streams": connectedStreams,
		"drop_count":        dropCount,
	})
	pipe.Publish(c.ctx, statusKey, fmt.Sprintf("drop_count:%d", dropCount))
	_, err := pipe.Exec(c.ctx)
	if err != nil {
		return fmt.Errorf("controlplane/redis: publish status: %w", err)
	}
	return nil
}

// GetCredentials reads back a device's stored user_name/password, the
// read side of PublishCredentials.
func (c *Client) GetCredentials(deviceKey string) (userName, password string, err error) {
	vals, err := c.client.HMGet(c.ctx, deviceKey, "user_name", "password").Result()
	if err != nil {
		return "", "", fmt.Errorf("controlplane/redis: get credentials: %w", err)
	}
	if s, ok := vals[0].(string); ok {
		userName = s
	}
	if s, ok := vals[1].(string); ok {
		password = s
	}
	return userName, password, nil
}

// Subscribe opens a subscription to channel (typically a device or
// status key) and returns the message channel plus a closer.
func (c *Client) Subscribe(channel string) (<-chan *redis.Message, func()) {
	sub := c.client.Subscribe(c.ctx, channel)
	ch := sub.Channel()
	return ch, func() { sub.Close() }
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.client.Close()
}

// ReportRootStatus polls r's connected-stream and drop counters every
// period and publishes them under statusKey until ctx is cancelled,
// the bridge's equivalent of a process periodically dumping
// IOC_NRO_CONNECTED_STREAMS/IOC_CONNECTION_DROP_COUNT for an operator
// dashboard instead of a console/device connected over the C ABI.
func (c *Client) ReportRootStatus(ctx context.Context, r *root.Root, statusKey string, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Lock()
			streams := r.ConnectedStreams()
			drops := r.DropCount()
			r.Unlock()
			if err := c.PublishStatus(statusKey, streams, drops); err != nil {
				return err
			}
		}
	}
}
