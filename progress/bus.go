// Package progress mirrors committed job transitions into a snapshot cache and a
// per-job broadcast channel. Everything here is advisory: the job store stays
// authoritative and bus failures are never fatal to a job.
package progress

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jupark12/go-extract-queue/models"
)

// ErrNoSnapshot is returned when no cached snapshot exists for a job.
var ErrNoSnapshot = errors.New("no progress snapshot")

const (
	channelPrefix  = "extraction:"
	snapshotSuffix = ":status"
	// ChannelPattern matches every per-job channel.
	ChannelPattern = channelPrefix + "*"
)

// Channel is the broadcast channel of one job.
func Channel(jobID string) string {
	return channelPrefix + jobID
}

// SnapshotKey is the cache key holding the latest update of one job.
func SnapshotKey(jobID string) string {
	return channelPrefix + jobID + snapshotSuffix
}

// JobIDFromChannel reverses Channel.
func JobIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || id == "" || strings.HasSuffix(id, snapshotSuffix) {
		return "", false
	}
	return id, true
}

// Bus is the snapshot cache plus publish/subscribe transport.
type Bus interface {
	// SetSnapshot overwrites the job's snapshot, expiring after ttl.
	SetSnapshot(ctx context.Context, u models.ProgressUpdate, ttl time.Duration) error
	// Broadcast emits u on the job's channel. Delivery is at-most-once.
	Broadcast(ctx context.Context, u models.ProgressUpdate) error
	// Snapshot returns ErrNoSnapshot when nothing is cached.
	Snapshot(ctx context.Context, jobID string) (*models.ProgressUpdate, error)
	// Subscribe receives broadcasts of every job until cleanup is called or
	// ctx ends. Updates of one job arrive in publish order.
	Subscribe(ctx context.Context) (updates <-chan models.ProgressUpdate, cleanup func(), err error)
}
