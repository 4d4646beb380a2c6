package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/agentmq/messaging"
)

type flight struct {
	Number string  `json:"number"`
	Price  float64 `json:"price"`
}

func TestCellSetGet(t *testing.T) {
	c := NewCell()

	_, ok := c.Get(FlightInfoKey)
	assert.False(t, ok)

	c.Set(FlightInfoKey, json.RawMessage(`{"number":"SK100","price":120}`))
	c.Set(FlightInfoKey, json.RawMessage(`{"number":"SK100","price":99.5}`))

	var f flight
	require.NoError(t, c.Decode(FlightInfoKey, &f))
	assert.Equal(t, flight{Number: "SK100", Price: 99.5}, f)
	assert.Equal(t, uint64(2), c.Snapshot().Version)
}

func TestCellDecodeMissing(t *testing.T) {
	var c Cell
	err := c.Decode("nothing", &flight{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotIsImmutable(t *testing.T) {
	c := NewCell()
	c.Set("a", json.RawMessage(`1`))
	before := c.Snapshot()

	c.Set("b", json.RawMessage(`2`))

	assert.Equal(t, []string{"a"}, before.Keys())
	assert.Equal(t, []string{"a", "b"}, c.Snapshot().Keys())
}

func TestSetCopiesValue(t *testing.T) {
	c := NewCell()
	raw := json.RawMessage(`{"x":1}`)
	c.Set("k", raw)
	raw[2] = 'y'

	v, _ := c.Get("k")
	assert.JSONEq(t, `{"x":1}`, string(v))
}

func TestOnStateChange(t *testing.T) {
	c := NewCell()

	c.OnStateChange(messaging.StateUpdate{
		Message: "New state available 2026-10-16T10:00:00Z",
		Object:  json.RawMessage(`{"number":"DY42","price":45}`),
	})
	var f flight
	require.NoError(t, c.Decode(FlightInfoKey, &f))
	assert.Equal(t, "DY42", f.Number)

	// an update without an object leaves the previous state
	c.OnStateChange(messaging.StateUpdate{Message: "empty"})
	require.NoError(t, c.Decode(FlightInfoKey, &f))
	assert.Equal(t, "DY42", f.Number)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	c := NewCell()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Set(fmt.Sprintf("w%d", w), json.RawMessage(fmt.Sprintf(`%d`, i)))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s := c.Snapshot()
				for _, k := range s.Keys() {
					_, ok := s.Get(k)
					assert.True(t, ok)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(400), c.Snapshot().Version)
	for w := 0; w < 4; w++ {
		v, ok := c.Get(fmt.Sprintf("w%d", w))
		require.True(t, ok)
		assert.Equal(t, "99", string(v))
	}
}
