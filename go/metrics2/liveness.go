package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness = "liveness"
	livenessReportFreq  = time.Minute
)

// liveness implements the Liveness interface on top of an Int64Metric.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// newLiveness creates a new Liveness metric helper. The current value is
// reported once a minute and on every Reset.
func newLiveness(c Client, name string, tags ...map[string]string) Liveness {
	t := map[string]string{}
	for _, tag := range tags {
		for k, v := range tag {
			t[k] = v
		}
	}
	t["name"] = name
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(measurementLiveness, t),
	}
	go func() {
		for range time.Tick(livenessReportFreq) {
			l.update()
		}
	}()
	return l
}

// updateLocked sets the value of the Liveness. Assumes the caller holds the
// lock.
func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// Get returns the number of seconds since the last successful update.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return int64(time.Since(l.lastSuccessfulUpdate).Seconds())
}

// Reset should be called when some work has been successfully completed.
func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
	l.updateLocked()
}
