// Package build compiles batches of templates on a pool of workers.
package build

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/conneroisu/quill/internal/artifact"
	"github.com/conneroisu/quill/internal/options"
)

// Compiler compiles one template. *engine.Engine satisfies it.
type Compiler interface {
	Compile(name string, store bool, extra options.Mask) (*artifact.Artifact, error)
}

// Result is the outcome of compiling one template.
type Result struct {
	Name     string
	Artifact *artifact.Artifact
	Error    error
	Duration time.Duration
}

// Callback is called once per finished template, from the goroutine that
// called Run.
type Callback func(result Result)

// Metrics tracks pipeline activity across runs.
type Metrics struct {
	TotalBuilds      int64
	SuccessfulBuilds int64
	FailedBuilds     int64
	AverageDuration  time.Duration
	TotalDuration    time.Duration
}

// Pipeline compiles templates concurrently and stores the artifacts.
type Pipeline struct {
	compiler  Compiler
	workers   int
	store     bool
	extra     options.Mask
	callbacks []Callback

	metrics Metrics
	mutex   sync.RWMutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers sets the number of workers; values below one use GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithoutStore keeps artifacts out of the compile directory, which makes
// the run a syntax check.
func WithoutStore() Option {
	return func(p *Pipeline) { p.store = false }
}

// WithOptions adds option flags to the compiler's own mask.
func WithOptions(extra options.Mask) Option {
	return func(p *Pipeline) { p.extra = extra }
}

// NewPipeline creates a pipeline compiling through c.
func NewPipeline(c Compiler, opts ...Option) *Pipeline {
	p := &Pipeline{compiler: c, store: true}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	return p
}

// AddCallback adds a callback run for every result.
func (p *Pipeline) AddCallback(callback Callback) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.callbacks = append(p.callbacks, callback)
}

// Run compiles names and returns their results in input order. Templates
// not started before ctx is cancelled report ctx's error.
func (p *Pipeline) Run(ctx context.Context, names []string) []Result {
	results := make([]Result, len(names))
	tasks := make(chan int)
	done := make(chan int, len(names))

	workers := p.workers
	if workers > len(names) {
		workers = len(names)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				results[i] = p.compile(names[i])
				done <- i
			}
		}()
	}

	go func() {
		defer close(tasks)
		for i := range names {
			select {
			case tasks <- i:
			case <-ctx.Done():
				for j := i; j < len(names); j++ {
					results[j] = Result{Name: names[j], Error: ctx.Err()}
					done <- j
				}
				return
			}
		}
	}()

	p.mutex.RLock()
	callbacks := append([]Callback(nil), p.callbacks...)
	p.mutex.RUnlock()

	for range names {
		i := <-done
		p.updateMetrics(results[i])
		for _, callback := range callbacks {
			callback(results[i])
		}
	}
	wg.Wait()
	return results
}

func (p *Pipeline) compile(name string) Result {
	start := time.Now()
	a, err := p.compiler.Compile(name, p.store, p.extra)
	return Result{Name: name, Artifact: a, Error: err, Duration: time.Since(start)}
}

// Metrics returns a snapshot of the pipeline metrics.
func (p *Pipeline) Metrics() Metrics {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.metrics
}

func (p *Pipeline) updateMetrics(result Result) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.metrics.TotalBuilds++
	p.metrics.TotalDuration += result.Duration
	if result.Error != nil {
		p.metrics.FailedBuilds++
	} else {
		p.metrics.SuccessfulBuilds++
	}
	p.metrics.AverageDuration = p.metrics.TotalDuration / time.Duration(p.metrics.TotalBuilds)
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if r.Error != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
