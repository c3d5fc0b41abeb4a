package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetNotifiesOnTransitionsOnly(t *testing.T) {
	monitor := NewMonitor(false, nil)
	stream, cancel := monitor.Subscribe()
	defer cancel()

	require.False(t, monitor.Set(false))
	require.True(t, monitor.Set(true))
	require.True(t, monitor.IsOnline())

	select {
	case online := <-stream:
		require.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected online transition")
	}
	select {
	case online := <-stream:
		t.Fatalf("unexpected extra notification %v", online)
	default:
	}
}

func TestSlowSubscriberSeesLatestState(t *testing.T) {
	monitor := NewMonitor(false, nil)
	stream, cancel := monitor.Subscribe()
	defer cancel()

	monitor.Set(true)
	monitor.Set(false)
	monitor.Set(true)

	require.True(t, <-stream)
	select {
	case <-stream:
		t.Fatal("expected a single buffered state")
	default:
	}
}

func TestCancelledSubscriptionStopsReceiving(t *testing.T) {
	monitor := NewMonitor(true, nil)
	stream, cancel := monitor.Subscribe()
	cancel()
	cancel()
	monitor.Set(false)
	select {
	case <-stream:
		t.Fatal("cancelled subscriber should not be notified")
	default:
	}
}

func TestFollowAppliesObservedStates(t *testing.T) {
	monitor := NewMonitor(false, nil)
	states := make(chan bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Follow(context.Background(), states)
	}()

	states <- true
	close(states)
	<-done
	require.True(t, monitor.IsOnline())
}

func TestProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	require.True(t, Probe(context.Background(), healthy.Client(), healthy.URL))
	require.False(t, Probe(context.Background(), failing.Client(), failing.URL))
	require.False(t, Probe(context.Background(), nil, "http://127.0.0.1:1/healthz"))
}
