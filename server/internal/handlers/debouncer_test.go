package handlers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type published struct {
	mu   sync.Mutex
	seen map[string][]int
}

func (p *published) add(key string, v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[key] = append(p.seen[key], v)
}

func (p *published) get(key string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.seen[key]...)
}

func TestDebouncer_CoalescesBursts(t *testing.T) {
	p := &published{seen: map[string][]int{}}
	d := NewDebouncer(30*time.Millisecond, p.add)

	for i := 1; i <= 5; i++ {
		d.Schedule("costs", i)
	}
	d.Schedule("other", 42)

	assert.Eventually(t, func() bool {
		return len(p.get("costs")) == 1 && len(p.get("other")) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []int{5}, p.get("costs"), "only the latest value is published")
	assert.Equal(t, []int{42}, p.get("other"))
}

func TestDebouncer_Stop(t *testing.T) {
	p := &published{seen: map[string][]int{}}
	d := NewDebouncer(20*time.Millisecond, p.add)

	d.Schedule("costs", 1)
	d.Stop()
	d.Schedule("costs", 2)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, p.get("costs"))
}
