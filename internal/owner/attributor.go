package owner

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Source returns raw owner-pid table snapshots. Every buffer returned by
// Query is handed back through Release exactly once.
type Source interface {
	Query(family Family) ([]byte, error)
	Release(buf []byte)
}

// Attributor maps local ports to owning processes. Lookups are best-effort:
// any failure is logged at debug level and reported as 0.
type Attributor struct {
	src Source
	log *logrus.Entry
}

// NewAttributor returns an Attributor reading tables from src.
func NewAttributor(src Source, log *logrus.Entry) *Attributor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Attributor{src: src, log: log.WithField("component", "owner")}
}

// MapPortToProcessID returns the pid owning the local TCP port, or 0.
func (a *Attributor) MapPortToProcessID(port uint16, family Family) uint32 {
	var pid uint32
	a.scan(family, func(t *Table) {
		pid, _ = t.LookupPort(port)
	})
	return pid
}

// CountActiveConnections returns the number of TCP connections owned by pid.
func (a *Attributor) CountActiveConnections(pid uint32, family Family) int {
	var count int
	a.scan(family, func(t *Table) {
		count = t.CountPID(pid)
	})
	return count
}

func (a *Attributor) scan(family Family, fn func(*Table)) {
	log := a.log.WithField("family", family)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Debug("Connection table scan failed")
		}
	}()

	buf, err := a.src.Query(family)
	if err != nil {
		log.WithError(err).Debug("Connection table unavailable")
		return
	}
	defer a.src.Release(buf)

	t, err := NewTable(buf, family)
	if err != nil {
		log.WithError(err).Debug("Malformed connection table")
		return
	}
	if t.Rows() == 0 {
		return
	}
	fn(t)
}
