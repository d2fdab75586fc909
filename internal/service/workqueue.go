package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/timmy/phonefarm/internal/logger"
)

// Outcome is the result of one job run by RunAll: a value or an error.
type Outcome[R any] struct {
	Value R
	Err   error
}

// RunAll runs worker over every job with at most maxConcurrent calls in
// flight and returns one outcome per job in input order. Worker errors and
// panics are captured in the outcome; RunAll returns only after every job
// has finished.
func RunAll[J, R any](ctx context.Context, jobs []J, worker func(context.Context, J) (R, error), maxConcurrent int) []Outcome[R] {
	outcomes := make([]Outcome[R], len(jobs))
	if len(jobs) == 0 {
		return outcomes
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxConcurrent > len(jobs) {
		maxConcurrent = len(jobs)
	}

	next := make(chan int)

	var wg sync.WaitGroup
	for lane := 0; lane < maxConcurrent; lane++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				// each index is written by exactly one lane
				outcomes[i] = runOne(ctx, jobs[i], worker)
			}
		}()
	}

	for i := range jobs {
		next <- i
	}
	close(next)
	wg.Wait()

	return outcomes
}

func runOne[J, R any](ctx context.Context, job J, worker func(context.Context, J) (R, error)) (out Outcome[R]) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).WithField("stack", string(debug.Stack())).Errorf("Worker panic: %v", r)
			out = Outcome[R]{Err: fmt.Errorf("worker panic: %v", r)}
		}
	}()
	v, err := worker(ctx, job)
	return Outcome[R]{Value: v, Err: err}
}
