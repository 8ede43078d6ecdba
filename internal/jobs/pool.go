package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MimeLyc/media-transcriber/pkg/log"
	"github.com/cockroachdb/errors"
)

// Pool runs at most size pipelines at once. TrySubmit never blocks; when all
// slots are taken it returns ErrPoolFull and the caller requeues.
type Pool struct {
	size  int
	store *Store
	exec  Executor

	slots  chan struct{}
	active atomic.Int32
	wg     sync.WaitGroup
}

func NewPool(size int, store *Store, exec Executor) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size:  size,
		store: store,
		exec:  exec,
		slots: make(chan struct{}, size),
	}
}

func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) Active() int {
	return int(p.active.Load())
}

// TrySubmit claims a slot, marks the job processing and starts its pipeline.
func (p *Pool) TrySubmit(ctx context.Context, id string) error {
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolFull
	}

	job, err := p.store.Update(id, Update{
		Status:   StatusProcessing,
		Stage:    StageUpload,
		Progress: ProgressQueued,
		Message:  "starting processing",
	})
	if err != nil {
		<-p.slots
		return err
	}

	p.active.Add(1)
	p.wg.Add(1)
	// running pipelines are not cancelled mid-flight; shutdown waits for them
	go p.run(context.WithoutCancel(ctx), job)
	return nil
}

// Wait blocks until every started pipeline has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, job *Job) {
	defer func() {
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()
	defer p.cleanup(job)

	outcome := p.execute(ctx, job)
	if _, err := p.store.Complete(job.ID, outcome); err != nil {
		log.Warn("Failed to record outcome of job %s: %v", job.ID, err)
		return
	}
	if outcome.Err != nil {
		log.Error("Job %s failed: %v", job.ID, outcome.Err)
		return
	}
	log.Info("Job %s completed", job.ID)
}

func (p *Pool) execute(ctx context.Context, job *Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(NewTaskError(KindTranscription, fmt.Sprintf("internal error: %v", r), errors.Newf("panic: %v", r)))
		}
	}()
	return p.exec.Execute(ctx, job, p.store)
}

func (p *Pool) cleanup(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Cleanup of job %s panicked: %v", job.ID, r)
		}
	}()
	p.exec.Cleanup(job)
}
