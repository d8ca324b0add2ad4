// Package gateway bridges the offline mesh to a remote object store.
//
// A node promotes itself to gateway when it gains internet reachability over
// wifi or wired ethernet (never cellular, to control data cost). While
// promoted it pushes locally-queued messages to the store, pulls messages it
// has not seen, injects them into the mesh relay path exactly once, and
// merges divergent replica state. Multiple devices may act as gateways
// redundantly; the store deduplicates by message id, so demotion needs no
// handoff.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("gateway: object not found")

// ObjectStore is the remote store boundary. Keys follow the layout
// messages/{id}.json, locations/{userId}/latest.json,
// sync/{deviceId}/queue.json and state/replica.json.
type ObjectStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

const (
	messagePrefix = "messages/"
	replicaKey    = "state/replica.json"
)

func messageKey(id string) string {
	return fmt.Sprintf("messages/%s.json", id)
}

func locationKey(userID string) string {
	return fmt.Sprintf("locations/%s/latest.json", userID)
}

func queueKey(deviceID string) string {
	return fmt.Sprintf("sync/%s/queue.json", deviceID)
}

// messageIDFromKey inverts messageKey; returns "" for foreign keys.
func messageIDFromKey(key string) string {
	if !strings.HasPrefix(key, messagePrefix) || !strings.HasSuffix(key, ".json") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, messagePrefix), ".json")
}
