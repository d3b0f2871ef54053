// Package maintenance runs the periodic housekeeping sweeps: pruning expired
// blobs and rotating the failure log. Epoch message/ack logs are never
// pruned; they are the recovery source of truth.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"teamrouter/internal/storage"
)

// Options configures the scheduler. DeliveryPending, when set, keeps a blob
// alive while its message still has a delivery awaiting acceptance.
type Options struct {
	Layout           storage.Layout
	Schedule         string
	BlobRetention    time.Duration
	FailuresMaxBytes int64
	DeliveryPending  func(messageID string) bool
	Log              *zap.Logger
	Now              func() time.Time
}

// Scheduler owns the cron entry driving the sweeps.
type Scheduler struct {
	layout           storage.Layout
	blobRetention    time.Duration
	failuresMaxBytes int64
	deliveryPending  func(messageID string) bool
	log              *zap.Logger
	now              func() time.Time
	cron             *cron.Cron
	schedule         string
}

func New(opts Options) *Scheduler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		layout:           opts.Layout,
		blobRetention:    opts.BlobRetention,
		failuresMaxBytes: opts.FailuresMaxBytes,
		deliveryPending:  opts.DeliveryPending,
		log:              log,
		now:              now,
		schedule:         opts.Schedule,
	}
}

// Start registers the sweep with cron and begins running it.
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.RunSweep); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for an in-flight sweep.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// RunSweep executes one full housekeeping pass.
func (s *Scheduler) RunSweep() {
	if removed, err := s.PruneBlobs(); err != nil {
		s.log.Error("blob prune failed", zap.Error(err))
	} else if removed > 0 {
		s.log.Info("blobs pruned", zap.Int("removed", removed))
	}
	if rotated, err := s.RotateFailuresLog(); err != nil {
		s.log.Error("failures log rotation failed", zap.Error(err))
	} else if rotated {
		s.log.Info("failures log rotated")
	}
}

// PruneBlobs removes blob files older than the retention window and returns
// how many were deleted. Blobs whose message still has a pending delivery
// are kept regardless of age: the retry loop may redeliver the body.
func (s *Scheduler) PruneBlobs() (int, error) {
	if s.blobRetention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.layout.BlobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := s.now().Add(-s.blobRetention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		messageID := strings.TrimSuffix(entry.Name(), ".json")
		if s.deliveryPending != nil && s.deliveryPending(messageID) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.layout.BlobsDir(), entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// RotateFailuresLog renames an oversized failures.log aside with a timestamp
// suffix so the router keeps appending to a fresh file.
func (s *Scheduler) RotateFailuresLog() (bool, error) {
	path := s.layout.FailuresLogPath()
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if s.failuresMaxBytes <= 0 || info.Size() < s.failuresMaxBytes {
		return false, nil
	}
	rotated := fmt.Sprintf("%s.%s", path, s.now().UTC().Format("20060102T150405"))
	if err := os.Rename(path, rotated); err != nil {
		return false, err
	}
	return true, nil
}
