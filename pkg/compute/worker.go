package compute

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

// Worker is what one task owns: a proxy connection and a block stack.
// Neither is shared with other tasks.
type Worker struct {
	ID     int
	Proxy  *storage.ProxyConn
	Blocks *storage.BlockStack
}

type TaskResult struct {
	ID  int
	Err error
}

// WorkerPool runs tasks on at most numThreads goroutines. A failed
// task does not stop the others.
type WorkerPool struct {
	_store      *storage.MemoryStore
	_numThreads int
}

func NewWorkerPool(store *storage.MemoryStore, numThreads int) *WorkerPool {
	util.AssertFunc(numThreads > 0)
	return &WorkerPool{_store: store, _numThreads: numThreads}
}

// Run calls fn once per task id in [0, numTasks). It returns every
// task's outcome and the combined error.
func (pool *WorkerPool) Run(numTasks int, fn func(w *Worker) error) ([]TaskResult, error) {
	results := make([]TaskResult, numTasks)
	wg := errgroup.Group{}
	wg.SetLimit(pool._numThreads)
	for i := 0; i < numTasks; i++ {
		id := i
		wg.Go(func() error {
			results[id] = TaskResult{ID: id, Err: pool.runTask(id, fn)}
			return nil
		})
	}
	_ = wg.Wait()
	var err error
	for _, res := range results {
		if res.Err != nil {
			util.Error("task failed", zap.Int("task", res.ID), zap.Error(res.Err))
			err = multierr.Append(err, errors.Wrapf(res.Err, "task %d", res.ID))
		}
	}
	return results, err
}

func (pool *WorkerPool) runTask(id int, fn func(w *Worker) error) (err error) {
	w := &Worker{
		ID:     id,
		Proxy:  pool._store.Connect(),
		Blocks: storage.NewBlockStack(),
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = util.ConvertPanicError(rec)
		}
		if err == nil && w.Proxy.Outstanding() != 0 {
			err = errors.Errorf("task %d leaked %d page pins", id, w.Proxy.Outstanding())
		}
	}()
	return fn(w)
}
