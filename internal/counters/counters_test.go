package counters

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncrConcurrent(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Incr(DataReceived, 2)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2000), c.Read(DataReceived))
	assert.Equal(t, int64(0), c.Read(DataSent))
}

func TestSwap(t *testing.T) {
	var c Counters
	c.Incr(HashFailed, 16384)
	c.Incr(DataSent, 5)
	m := c.Swap()
	assert.Equal(t, int64(16384), m[HashFailed])
	assert.Equal(t, int64(5), m[DataSent])
	assert.Equal(t, int64(0), c.Read(HashFailed))
	assert.Len(t, m, len(Names()))
	assert.Equal(t, "hash_failed", HashFailed.String())
}
