package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/domain"
)

func recvEvent(t *testing.T, reg *Registration) Event {
	t.Helper()
	select {
	case ev := <-reg.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, reg *Registration) {
	t.Helper()
	select {
	case ev := <-reg.Events():
		t.Fatalf("unexpected event %q for client %s", ev.Name(), reg.ClientID)
	default:
	}
}

func TestDispatch_TargetsSubmittingClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := hub.Register("client-a")
	b := hub.Register("client-b")

	hub.Dispatch(BulkComplete{Result: domain.BatchResult{JobID: "j1", ClientID: "client-a"}})

	ev := recvEvent(t, a)
	bc, ok := ev.(BulkComplete)
	require.True(t, ok)
	assert.Equal(t, "j1", bc.Result.JobID)
	assertNoEvent(t, b)
}

func TestDispatch_BroadcastFallbackOnRoutingMiss(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := hub.Register("client-a")
	b := hub.Register("client-b")

	hub.Dispatch(BulkComplete{Result: domain.BatchResult{JobID: "j1", ClientID: "client-gone"}})

	recvEvent(t, a)
	recvEvent(t, b)
}

func TestDispatch_RefreshAlwaysBroadcasts(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := hub.Register("client-a")
	b := hub.Register("client-b")

	hub.Dispatch(DocStoreRefreshed{Refresh: Refresh{Trigger: "bulk_upload", ClientID: "client-a"}})

	assert.Equal(t, "docStoreRefreshed", recvEvent(t, a).Name())
	assert.Equal(t, "docStoreRefreshed", recvEvent(t, b).Name())
}

func TestRegister_ReplacesPreviousRegistration(t *testing.T) {
	hub := NewHub(zap.NewNop())
	first := hub.Register("client-a")
	second := hub.Register("client-a")

	// the replaced channel is closed so its reader stops
	_, open := <-first.Events()
	assert.False(t, open)

	hub.Dispatch(BulkComplete{Result: domain.BatchResult{ClientID: "client-a"}})
	recvEvent(t, second)
}

func TestUnregister_IgnoresStaleRegistration(t *testing.T) {
	hub := NewHub(zap.NewNop())
	stale := hub.Register("client-a")
	live := hub.Register("client-a")

	hub.Unregister(stale)

	hub.Dispatch(BulkComplete{Result: domain.BatchResult{ClientID: "client-a"}})
	recvEvent(t, live)
}

func TestUnregister_RemovesClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := hub.Register("client-a")
	b := hub.Register("client-b")
	hub.Unregister(a)

	// with a gone the event falls back to broadcast, reaching only b
	hub.Dispatch(BulkComplete{Result: domain.BatchResult{ClientID: "client-a"}})
	recvEvent(t, b)
}
