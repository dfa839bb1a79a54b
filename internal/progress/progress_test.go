package progress

import (
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	h := NewHub()
	h.Track("d1")
	ch := h.Subscribe("d1")

	h.Publish("d1", 100, 1000, nil)

	select {
	case sample := <-ch:
		if sample.Downloaded != 100 || sample.Total != 1000 {
			t.Errorf("unexpected sample: %+v", sample)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a sample")
	}
}

func TestPublish_SlowSubscriberKeepsOnlyNewest(t *testing.T) {
	h := NewHub()
	h.Track("d2")
	ch := h.Subscribe("d2")

	h.Publish("d2", 10, 100, nil)
	h.Publish("d2", 20, 100, nil)
	h.Publish("d2", 30, 100, nil)

	select {
	case sample := <-ch:
		if sample.Downloaded != 30 {
			t.Errorf("expected newest sample (30), got %d", sample.Downloaded)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a sample")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no second sample to be queued")
		}
	default:
	}
}

func TestUntrack_ClosesSubscriberChannels(t *testing.T) {
	h := NewHub()
	h.Track("d3")
	ch := h.Subscribe("d3")

	h.Untrack("d3")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel close to be observed promptly")
	}
}

func TestPublish_UnknownDownloadIsNoop(t *testing.T) {
	h := NewHub()
	// No Track call; Publish must not panic.
	h.Publish("ghost", 1, 2, nil)
}

func TestETA_IndeterminateWithoutTotal(t *testing.T) {
	h := NewHub()
	h.Track("d4")
	ch := h.Subscribe("d4")

	h.Publish("d4", 100, -1, nil)

	select {
	case sample := <-ch:
		if sample.ETASeconds != -1 {
			t.Errorf("expected indeterminate ETA (-1) for unknown total, got %v", sample.ETASeconds)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a sample")
	}
}
