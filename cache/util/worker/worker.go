// Package worker runs tasks one at a time on a dedicated goroutine.
package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

// TaskFlush is answered by closing Done once every earlier task was handled.
type TaskFlush struct {
	Done chan struct{}
}

type Task interface{}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

const DefaultCapacity = 128

// NewWorker creates a worker whose queue holds capacity tasks before senders block.
func NewWorker(name string, capacity int, wg *sync.WaitGroup) *Worker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ch := make(chan Task, capacity)
	return &Worker{
		name:     name,
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		wg:       wg,
	}
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for task := range w.receiver {
			switch t := task.(type) {
			case TaskStop:
				log.Debug("worker stopped", zap.String("name", w.name))
				return
			case TaskFlush:
				close(t.Done)
			default:
				handler.Handle(task)
			}
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Pending is the number of queued tasks.
func (w *Worker) Pending() int {
	return len(w.receiver)
}

// Flush blocks until the tasks queued before it are handled.
func (w *Worker) Flush() {
	done := make(chan struct{})
	w.sender <- TaskFlush{Done: done}
	<-done
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}
