package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	var got []WorkerStateChangedEvent

	unsub := bus.Subscribe(func(e WorkerStateChangedEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(WorkerStateChangedEvent{Worker: "video-sender", OldState: "running", NewState: "crashed"})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for event delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Worker != "video-sender" || got[0].NewState != "crashed" {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

func TestTypeIsolation(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	workerEvents := 0
	deviceEvents := 0

	defer bus.Subscribe(func(WorkerStateChangedEvent) {
		mu.Lock()
		workerEvents++
		mu.Unlock()
	})()
	defer bus.Subscribe(func(DeviceStateChangedEvent) {
		mu.Lock()
		deviceEvents++
		mu.Unlock()
	})()

	bus.Publish(DeviceStateChangedEvent{Path: "/dev/ttyAMA0", Available: false})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if workerEvents != 0 {
		t.Errorf("worker handler received %d events for a device event", workerEvents)
	}
	if deviceEvents != 1 {
		t.Errorf("expected 1 device event, got %d", deviceEvents)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(StreamConnectedEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(StreamConnectedEvent{Stream: "video"})
	time.Sleep(50 * time.Millisecond)
	unsub()
	bus.Publish(StreamConnectedEvent{Stream: "video"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestUnknownHandlerIsNoop(t *testing.T) {
	bus := New()
	unsub := bus.Subscribe(func(int) {})
	unsub()
}
