package events

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/types"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEmitAssignsSequentialIDs(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))

	for want := uint64(1); want <= 5; want++ {
		got := s.Emit(types.EventServiceDeployed, "a", types.ServiceSubject("a", "svc"), nil)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, uint64(5), s.LastID())
}

func TestEmitIsGapFreeUnderConcurrency(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))

	const workers = 10
	const perWorker = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.Emit(types.EventServiceStarted, "t", types.ServiceSubject("t", "s"), nil)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(workers*perWorker), s.LastID())

	all := s.Stream(Filter{})
	require.Len(t, all, workers*perWorker)
	ids := make([]uint64, len(all))
	for i, e := range all {
		ids[i] = e.ID
	}
	assert.True(t, sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }))
	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id)
	}
}

func TestStreamFilters(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))

	s.Emit(types.EventServiceDeployed, "a", types.ServiceSubject("a", "web"), nil)
	s.Emit(types.EventServiceDeployed, "b", types.ServiceSubject("b", "web"), nil)
	s.Emit(types.EventServiceKilled, "a", types.ServiceSubject("a", "web"), nil)
	s.Emit(types.EventSystemStarted, "", types.SubjectSystem, nil)

	byTenant := s.Stream(Filter{Tenant: "a"})
	require.Len(t, byTenant, 2)
	for _, e := range byTenant {
		assert.Equal(t, "a", e.TenantID)
	}

	byType := s.Stream(Filter{Types: []types.EventType{types.EventServiceKilled}})
	require.Len(t, byType, 1)
	assert.Equal(t, types.EventServiceKilled, byType[0].Type)

	byService := s.Stream(Filter{Tenant: "b", Service: "web"})
	require.Len(t, byService, 1)
	assert.Equal(t, "b", byService[0].TenantID)

	since := s.Stream(Filter{SinceID: 2})
	require.Len(t, since, 2)
	assert.Equal(t, uint64(3), since[0].ID)
	assert.Equal(t, uint64(4), since[1].ID)
}

func TestFilterFn(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))
	s.Emit(types.EventSecretStored, "a", "a", map[string]any{"name": "x"})
	s.Emit(types.EventSecretAccessed, "a", "a", map[string]any{"name": "x"})

	got := s.FilterFn(func(e *types.Event) bool { return e.Type == types.EventSecretAccessed })
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ID)
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))

	sub := s.Subscribe()
	defer sub.Close()

	const n = 20
	for i := 0; i < n; i++ {
		s.Emit(types.EventServiceStarted, "t", types.ServiceSubject("t", "s"), nil)
	}

	var got []uint64
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e := <-sub.Events():
			got = append(got, e.ID)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(got), n)
		}
	}
	for i, id := range got {
		assert.Equal(t, uint64(i+1), id)
	}
}

func TestSubscriberRegisteredAfterEmitMissesEarlier(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))

	s.Emit(types.EventServiceDeployed, "t", types.ServiceSubject("t", "s"), nil)
	sub := s.Subscribe()
	defer sub.Close()
	s.Emit(types.EventServiceKilled, "t", types.ServiceSubject("t", "s"), nil)

	select {
	case e := <-sub.Events():
		assert.Equal(t, uint64(2), e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	opts := DefaultOptions("")
	opts.SubscriberBuffer = 1
	s := openTestStore(t, opts)

	sub := s.Subscribe()
	// Never read: the second undeliverable event forces the drop.
	for i := 0; i < 3; i++ {
		s.Emit(types.EventServiceStarted, "t", types.ServiceSubject("t", "s"), nil)
	}

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-sub.Events():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond, "subscriber channel should close")

	require.Eventually(t, func() bool {
		dropped := s.Stream(Filter{Types: []types.EventType{types.EventResourceViolation}})
		for _, e := range dropped {
			if e.Payload["reason"] == "slow_subscriber" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "drop should surface as resource_violation")
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))
	sub := s.Subscribe()
	sub.Close()
	sub.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetentionBoundsRing(t *testing.T) {
	opts := DefaultOptions("")
	opts.RetentionMaxEvents = 10
	s := openTestStore(t, opts)

	for i := 0; i < 30; i++ {
		s.Emit(types.EventServiceStarted, "t", types.ServiceSubject("t", "s"), nil)
	}

	assert.Equal(t, 10, s.Retained())
	got := s.Stream(Filter{})
	require.Len(t, got, 10)
	assert.Equal(t, uint64(21), got[0].ID)
	assert.Equal(t, uint64(30), got[9].ID)
}

func TestCausationPreserved(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))

	first := s.Emit(types.EventHotSwapStarted, "t", types.ServiceSubject("t", "s"), nil)
	s.EmitCaused(types.EventHotSwapSucceeded, "t", types.ServiceSubject("t", "s"), nil, first)

	got := s.Stream(Filter{Types: []types.EventType{types.EventHotSwapSucceeded}})
	require.Len(t, got, 1)
	require.NotNil(t, got[0].CausationID)
	assert.Equal(t, first, *got[0].CausationID)
	assert.Less(t, *got[0].CausationID, got[0].ID)
}

func TestFlushThenRecoverAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)

	s, err := Open(opts)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		s.Emit(types.EventServiceDeployed, "a", types.ServiceSubject("a", "svc"), map[string]any{"n": i})
	}
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s2 := openTestStore(t, opts)
	assert.Equal(t, uint64(7), s2.LastID())
	assert.Equal(t, 7, s2.Retained())

	next := s2.Emit(types.EventServiceKilled, "a", types.ServiceSubject("a", "svc"), nil)
	assert.Equal(t, uint64(8), next, "ids stay gap-free across restart")
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))
	require.NoError(t, s.Close())
	assert.Equal(t, uint64(0), s.Emit(types.EventServiceDeployed, "t", "t/s", nil))
	assert.Error(t, s.Flush())
}

func TestLastIDObservesPriorEmit(t *testing.T) {
	s := openTestStore(t, DefaultOptions(""))
	id := s.Emit(types.EventSystemStarted, "", types.SubjectSystem, nil)
	assert.GreaterOrEqual(t, s.LastID(), id)
}
