// Package metrics exposes Prometheus collectors for attendance outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/conquiguias/conquiguias/internal/attendance"
)

// Attendance records check-in outcomes. It implements attendance.Observer.
type Attendance struct {
	marks      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	conflicts  prometheus.Counter
	saveTime   prometheus.Histogram
}

// NewAttendance creates the collectors and registers them with reg.
func NewAttendance(reg prometheus.Registerer) *Attendance {
	m := &Attendance{
		marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_marks_total",
			Help: "Checkpoints recorded, by checkpoint.",
		}, []string{"checkpoint"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_rejections_total",
			Help: "Rejected check-ins, by reason code.",
		}, []string{"code"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_ledger_conflicts_total",
			Help: "Ledger saves rejected because the snapshot was stale.",
		}),
		saveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_ledger_save_seconds",
			Help:    "Ledger save latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.marks, m.rejections, m.conflicts, m.saveTime)
	return m
}

func (m *Attendance) Marked(cp attendance.Checkpoint) {
	m.marks.WithLabelValues(cp.Action()).Inc()
}

func (m *Attendance) Rejected(code string) {
	m.rejections.WithLabelValues(code).Inc()
}

func (m *Attendance) Conflict() {
	m.conflicts.Inc()
}

func (m *Attendance) SaveDuration(d time.Duration) {
	m.saveTime.Observe(d.Seconds())
}
