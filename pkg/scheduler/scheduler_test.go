package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/eventsm"
	"github.com/acteon/gateway/pkg/groups"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/state"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []*core.Action
}

func (d *recordingDispatcher) Dispatch(_ context.Context, action *core.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actions)
}

func TestScheduler_ReleasesDueScheduledActions(t *testing.T) {
	store := state.NewMemoryStore(time.Now)
	engine, err := rules.NewDefaultEngine(store)
	require.NoError(t, err)
	batcher := groups.New(store, engine, nil, logging.New("test", "error", "text"))
	events := eventsm.New(store, engine, logging.New("test", "error", "text"))
	dispatcher := &recordingDispatcher{}

	cfg := DefaultConfig("ns")
	cfg.ScheduledReleaseSpec = "@every 50ms"
	cfg.GroupFlushSpec = ""
	cfg.EventSweepSpec = ""
	cfg.DLQReportSpec = ""

	sched := New(cfg, store, batcher, events, dispatcher, nil)

	ctx := context.Background()
	require.NoError(t, store.EnqueueScheduled(ctx, "ns", &core.Action{ID: "a1", Namespace: "ns"}, time.Now().Add(-time.Second)))

	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	assert.Eventually(t, func() bool { return dispatcher.count() == 1 }, 2*time.Second, 20*time.Millisecond)
}
