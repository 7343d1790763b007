package ingest

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
)

// StatusMonitor periodically logs the state and commit progress of each pipeline and publishes the number of
// uncommitted messages as a metric
type StatusMonitor struct {
	interval  time.Duration
	pipelines []*Pipeline
}

func NewStatusMonitor(interval time.Duration, pipelines ...*Pipeline) *StatusMonitor {
	return &StatusMonitor{
		interval:  interval,
		pipelines: pipelines,
	}
}

func (m *StatusMonitor) Run(ctx *haulcontext.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report(ctx)
		}
	}
}

func (m *StatusMonitor) report(ctx *haulcontext.Context) {
	for _, p := range m.pipelines {
		uncommitted := p.Uncommitted()
		p.metrics.SetUncommitted(p.Name(), uncommitted)
		committed := make(map[string]int64, len(p.Committed()))
		for tp, offset := range p.Committed() {
			committed[tp.String()] = offset
		}
		ctx.Log.WithFields(logrus.Fields{
			"pipeline":    p.Name(),
			"state":       p.State().String(),
			"uncommitted": uncommitted,
			"committed":   committed,
		}).Info("pipeline status")
	}
}
