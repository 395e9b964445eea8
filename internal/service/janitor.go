package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HaddajiForks/Savage-Files/internal/filestore"
	"github.com/HaddajiForks/Savage-Files/internal/metrics"
	"github.com/HaddajiForks/Savage-Files/internal/models"
)

const sweepBatch = 100

// OrphanLister finds committed objects that never got an owner.
type OrphanLister interface {
	ListOrphanObjects(ctx context.Context, cutoff time.Time, limit int) ([]*models.Object, error)
}

// Janitor reclaims objects left without an ownership record, such as those
// of uploads whose compensating delete failed.
type Janitor struct {
	orphans  OrphanLister
	store    *filestore.ChunkStore
	interval time.Duration
	grace    time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewJanitor creates a Janitor that sweeps every interval, removing orphans
// older than grace. Uploads in flight are younger than grace.
func NewJanitor(orphans OrphanLister, store *filestore.ChunkStore, interval, grace time.Duration, log logrus.FieldLogger) *Janitor {
	return &Janitor{
		orphans:  orphans,
		store:    store,
		interval: interval,
		grace:    grace,
		log:      log.WithField("component", "janitor"),
		now:      time.Now,
	}
}

// Run sweeps until ctx ends. A zero interval disables the janitor.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		j.log.Info("janitor disabled")
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.log.WithError(err).Error("orphan sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep removes one batch of orphans and returns how many were reclaimed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "janitor.sweep")
	defer span.End()

	cutoff := j.now().Add(-j.grace)
	objects, err := j.orphans.ListOrphanObjects(ctx, cutoff, sweepBatch)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	var reclaimed int
	for _, object := range objects {
		log := j.log.WithFields(logrus.Fields{
			"object_id": object.ID,
			"operation": "sweep",
		})
		if err := j.store.Delete(ctx, object.ID); err != nil {
			log.WithError(err).Error("failed to reclaim orphan")
			continue
		}
		reclaimed++
		metrics.OrphansTotal.WithLabelValues("reclaimed").Inc()
		log.WithField("length", object.Length).Info("orphan reclaimed")
	}
	return reclaimed, nil
}
