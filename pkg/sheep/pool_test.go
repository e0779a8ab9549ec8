package sheep

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := newPool(2)
	var mu sync.Mutex
	var ran int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		p.Submit(func() {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	wg.Wait()
	mu.Lock()
	assert.Equal(t, 10, ran)
	mu.Unlock()
	require.NoError(t, p.Close())
}

func TestPoolSubmitNeverBlocksWhenSaturated(t *testing.T) {
	p := newPool(1)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(func() {
		defer wg.Done()
		<-release
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 512; i++ {
			p.Submit(func() {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while the single worker was busy")
	}
	close(release)
	wg.Wait()
	require.NoError(t, p.Close())
}
