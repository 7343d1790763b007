package ingest

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
)

const defaultStatusInterval = 60 * time.Second

// Supervisor runs a set of pipelines concurrently and coordinates their shutdown.  Pipelines that fail are not
// restarted.
type Supervisor struct {
	pipelines       []*Pipeline
	shutdownTimeout time.Duration
	statusInterval  time.Duration

	shutdownOnce sync.Once
	abandoned    []string
}

func NewSupervisor(shutdownTimeout time.Duration, pipelines ...*Pipeline) *Supervisor {
	return &Supervisor{
		pipelines:       pipelines,
		shutdownTimeout: shutdownTimeout,
		statusInterval:  defaultStatusInterval,
	}
}

// WithStatusInterval sets how often pipeline status is logged.  Zero disables status logging.
func (s *Supervisor) WithStatusInterval(interval time.Duration) *Supervisor {
	s.statusInterval = interval
	return s
}

// RunAll starts every pipeline and blocks until all of them have stopped.  Cancelling ctx triggers ShutdownAll;
// the pipelines themselves run on a context that ctx does not cancel so that they can drain.  The returned error
// aggregates start failures, fatal pipeline failures and any pipelines abandoned at shutdown.
func (s *Supervisor) RunAll(ctx *haulcontext.Context) error {
	pipelineCtx := haulcontext.WithoutCancel(ctx)

	var mu sync.Mutex
	var result *multierror.Error
	wg := sync.WaitGroup{}
	for _, p := range s.pipelines {
		wg.Add(1)
		go func(p *Pipeline) {
			defer wg.Done()
			if err := p.Run(pipelineCtx); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(p)
	}
	allStopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(allStopped)
	}()

	if s.statusInterval > 0 {
		monitorCtx, stopMonitor := haulcontext.WithCancel(pipelineCtx)
		defer stopMonitor()
		go NewStatusMonitor(s.statusInterval, s.pipelines...).Run(monitorCtx)
	}

	ctx.Log.Infof("Started %d pipelines", len(s.pipelines))
	select {
	case <-allStopped:
		ctx.Log.Info("All pipelines have stopped")
	case <-ctx.Done():
		ctx.Log.Info("Shutdown requested; draining pipelines")
		if abandoned := s.ShutdownAll(); len(abandoned) > 0 {
			mu.Lock()
			result = multierror.Append(result, errors.Errorf("pipelines %v did not stop within %s", abandoned, s.shutdownTimeout))
			mu.Unlock()
		} else {
			<-allStopped
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return result.ErrorOrNil()
}

// ShutdownAll stops every pipeline and waits, for at most the shutdown timeout in total, for them to finish
// draining.  It returns the names of the pipelines that were still running when the timeout expired.  Only the
// first call has any effect; later calls return the same result.
func (s *Supervisor) ShutdownAll() []string {
	s.shutdownOnce.Do(func() {
		for _, p := range s.pipelines {
			p.Stop()
		}

		deadline := time.NewTimer(s.shutdownTimeout)
		defer deadline.Stop()
		expired := false
		for _, p := range s.pipelines {
			if !expired {
				select {
				case <-p.Done():
					continue
				case <-deadline.C:
					expired = true
				}
			}
			select {
			case <-p.Done():
			default:
				haulcontext.Background().Log.
					WithField("pipeline", p.Name()).
					WithField("state", p.State()).
					Warnf("Pipeline did not stop within %s; abandoning it", s.shutdownTimeout)
				s.abandoned = append(s.abandoned, p.Name())
			}
		}
	})
	return s.abandoned
}
