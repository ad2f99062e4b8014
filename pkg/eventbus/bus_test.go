package eventbus_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaxycore/constellation/pkg/eventbus"
)

func TestPublishOrderPerPublisher(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var seen []string

	unsub := bus.Subscribe(eventbus.AllEvents, func(e eventbus.Event) {
		mu.Lock()
		seen = append(seen, e.Task.TaskID)
		mu.Unlock()
	})
	defer unsub()

	for i := 0; i < 50; i++ {
		bus.Publish(eventbus.NewTaskEvent("src", itoa(i), eventbus.TaskCompleted, nil, nil))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 50; i++ {
		assert.Equal(t, itoa(i), seen[i])
	}
}

func TestFilterOnlyDeliversMatchingKind(t *testing.T) {
	bus := eventbus.New()
	var taskSeen, deviceSeen int
	var mu sync.Mutex

	bus.Subscribe(eventbus.OfKind(eventbus.KindTask), func(e eventbus.Event) {
		mu.Lock()
		taskSeen++
		mu.Unlock()
	})
	bus.Subscribe(eventbus.OfKind(eventbus.KindDevice), func(e eventbus.Event) {
		mu.Lock()
		deviceSeen++
		mu.Unlock()
	})

	bus.Publish(eventbus.NewTaskEvent("s", "t1", eventbus.TaskCompleted, nil, nil))
	bus.Publish(eventbus.NewDeviceEvent("d1", eventbus.DeviceConnected, 0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return taskSeen == 1 && deviceSeen == 1
	}, time.Second, time.Millisecond)
}

func TestOverflowMarksSubscriberLagging(t *testing.T) {
	bus := eventbus.NewWithInboxSize(1)
	block := make(chan struct{})
	defer close(block)

	var laggingCalls int32
	bus.OnLagging = func(subscriberID string, dropped int64) {
		atomic.AddInt32(&laggingCalls, 1)
	}

	var once sync.Once
	unsub := bus.Subscribe(eventbus.AllEvents, func(e eventbus.Event) {
		once.Do(func() { <-block })
	})
	defer unsub()

	// The first event occupies the handler goroutine for the whole
	// test; the inbox (capacity 1) fills and then overflows.
	for i := 0; i < 10; i++ {
		bus.Publish(eventbus.NewTaskEvent("s", itoa(i), eventbus.TaskCompleted, nil, nil))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&laggingCalls) > 0
	}, time.Second, time.Millisecond)
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return string(b)
}
