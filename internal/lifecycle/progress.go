package lifecycle

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/pkg/api"
)

// Progress receives the steps of a running operation
type Progress interface {
	Write(p api.Progress)
}

// ProgressFunc adapts a function to Progress
type ProgressFunc func(p api.Progress)

// Write calls f
func (f ProgressFunc) Write(p api.Progress) { f(p) }

// LogProgress writes every step to a logger
func LogProgress(logger *logrus.Logger) Progress {
	return ProgressFunc(func(p api.Progress) {
		logger.WithFields(logrus.Fields{
			"app":  p.Name,
			"step": p.Step,
		}).Info(p.Status)
	})
}

// Recorder keeps every step in memory
type Recorder struct {
	mu    sync.Mutex
	steps []api.Progress
}

// Write records p
func (r *Recorder) Write(p api.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, p)
}

// Steps returns the recorded steps
func (r *Recorder) Steps() []api.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Progress(nil), r.steps...)
}

type reporter struct {
	sink Progress
	name string
}

func (r reporter) step(step, status string) {
	if r.sink == nil {
		return
	}
	r.sink.Write(api.Progress{Status: status, Name: r.name, Step: step})
}
