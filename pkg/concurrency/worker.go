package concurrency

import (
	"fmt"
	"sync"
)

type Work[T any] func() (T, error)

type Result[T any] struct {
	Index int
	Value T
	Error error
}

// WorkPool runs queued works on a fixed number of goroutines. A panicking
// work is reported as an error on its result.
type WorkPool[T any] struct {
	workerCount int
	works       []Work[T]
}

func NewWorkPool[T any](workerCount int) *WorkPool[T] {
	if workerCount < 1 {
		workerCount = 1
	}

	return &WorkPool[T]{
		workerCount: workerCount,
	}
}

func (w *WorkPool[T]) AddJob(job Work[T]) {
	w.works = append(w.works, job)
}

// Run executes every queued work and returns the results ordered by the
// order the works were added. The pool is empty afterwards.
func (w *WorkPool[T]) Run() []Result[T] {
	works := w.works
	w.works = nil

	type indexed struct {
		index int
		work  Work[T]
	}
	workChannel := make(chan indexed, len(works))
	for i, work := range works {
		workChannel <- indexed{index: i, work: work}
	}
	close(workChannel)

	results := make([]Result[T], len(works))
	var wg sync.WaitGroup
	for i := 0; i < w.workerCount && i < len(works); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workChannel {
				v, err := run(job.work)
				results[job.index] = Result[T]{Index: job.index, Value: v, Error: err}
			}
		}()
	}
	wg.Wait()

	return results
}

func run[T any](job Work[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("paniced with %v", r)
		}
	}()
	return job()
}
