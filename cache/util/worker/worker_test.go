package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type collector struct {
	started bool
	tasks   []int
}

func (c *collector) Start() { c.started = true }

func (c *collector) Handle(t Task) { c.tasks = append(c.tasks, t.(int)) }

func TestWorkerRunsTasksInOrder(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("test", 0, &wg)
	c := &collector{}
	w.Start(c)
	for i := 0; i < 10; i++ {
		w.Sender() <- i
	}
	w.Flush()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, c.tasks)
	assert.Equal(t, 0, w.Pending())
	w.Stop()
	wg.Wait()
	assert.True(t, c.started)
}
