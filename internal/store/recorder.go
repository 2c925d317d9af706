package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"netdivert/internal/analysis"
	"netdivert/internal/models"
)

// Recorder periodically persists the tracked connections.
type Recorder struct {
	db    *DB
	stats *analysis.ConnectionStats
	log   *logrus.Entry
}

func NewRecorder(db *DB, stats *analysis.ConnectionStats, log *logrus.Entry) *Recorder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recorder{db: db, stats: stats, log: log.WithField("component", "store")}
}

// Run flushes every interval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				r.log.WithError(err).Error("final flush failed")
			}
			return
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				r.log.WithError(err).Warn("flush failed")
			}
		}
	}
}

// Flush evicts idle connections and writes them together with a snapshot of
// the live ones.
func (r *Recorder) Flush() error {
	r.stats.Evict()
	evicted := r.stats.DrainEvicted()
	live := r.stats.GetConnections()

	records := make([]models.ConnectionRecord, 0, len(evicted)+len(live))
	for _, c := range evicted {
		records = append(records, c.Record())
	}
	for _, c := range live {
		records = append(records, c.Record())
	}
	if err := r.db.UpsertConnections(records); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"evicted": len(evicted),
		"live":    len(live),
	}).Debug("connections flushed")
	return nil
}
