package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver collects everything Sent to it.
type recordingObserver struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (o *recordingObserver) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return errors.New("send failed")
	}
	o.frames = append(o.frames, data)
	return nil
}

func (o *recordingObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func TestBroadcastDeliversToAllObservers(t *testing.T) {
	b := NewBroadcaster(nil)
	first := &recordingObserver{}
	second := &recordingObserver{}
	b.Register("first", first)
	b.Register("second", second)
	require.Equal(t, 2, b.Count())

	b.Broadcast(InfoEvent("hello"))

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(first.frames[0], &decoded))
	assert.Equal(t, "hello", decoded["details"])
}

func TestBroadcastDropsFailingObserver(t *testing.T) {
	b := NewBroadcaster(nil)
	healthy := &recordingObserver{}
	broken := &recordingObserver{fail: true}
	b.Register("healthy", healthy)
	b.Register("broken", broken)

	b.Broadcast(InfoEvent("one"))
	assert.Equal(t, 1, b.Count())
	assert.True(t, broken.closed)

	b.Broadcast(InfoEvent("two"))
	assert.Equal(t, 2, healthy.count())
}

func TestRegisterReplacesAndClosesPrevious(t *testing.T) {
	b := NewBroadcaster(nil)
	old := &recordingObserver{}
	b.Register("obs", old)
	b.Register("obs", &recordingObserver{})

	assert.True(t, old.closed)
	assert.Equal(t, 1, b.Count())
}

func TestUnregisterAndClose(t *testing.T) {
	b := NewBroadcaster(nil)
	obs := &recordingObserver{}
	b.Register("obs", obs)
	b.Unregister("obs")
	assert.True(t, obs.closed)
	assert.Equal(t, 0, b.Count())

	rest := &recordingObserver{}
	b.Register("rest", rest)
	b.Close()
	assert.True(t, rest.closed)
	assert.Equal(t, 0, b.Count())
}
