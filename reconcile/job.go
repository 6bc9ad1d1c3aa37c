package reconcile

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"contractflow/db"
	"contractflow/metrics"
)

// Job runs the checks on a schedule and escalates findings.
type Job struct {
	q       db.Querier
	log     *logrus.Entry
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewJob(q db.Querier, log *logrus.Entry, m *metrics.Metrics) *Job {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Job{q: q, log: log.WithField("component", "reconcile"), metrics: m, timeout: 2 * time.Minute}
}

// Run satisfies cron.Job.
func (j *Job) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.RunOnce(ctx); err != nil {
		j.log.WithError(err).Error("reconciliation run failed")
	}
}

// RunOnce executes every check, records a gauge per check and logs each
// finding at critical severity.
func (j *Job) RunOnce(ctx context.Context) ([]Finding, error) {
	findings, err := Run(ctx, j.q)
	if err != nil {
		return findings, err
	}
	byCheck := make(map[string]int, len(findings))
	for _, f := range findings {
		byCheck[f.Check] = f.Rows
		j.log.WithFields(logrus.Fields{
			"check":    f.Check,
			"rows":     f.Rows,
			"sample":   f.Sample,
			"severity": "critical",
			"alert":    true,
		}).Error("reconciliation check failed")
	}
	for _, c := range All() {
		j.metrics.ReconcileFindings(c.Name, byCheck[c.Name])
	}
	if len(findings) == 0 {
		j.log.Debug("reconciliation clean")
	}
	return findings, nil
}
