package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/orchestrator/internal/broker"
	"github.com/R3E-Network/orchestrator/internal/engine/bus"
	"github.com/R3E-Network/orchestrator/internal/engine/events"
	"github.com/R3E-Network/orchestrator/internal/engine/state"
	svcerrors "github.com/R3E-Network/orchestrator/internal/errors"
	"github.com/R3E-Network/orchestrator/internal/kvstore"
	"github.com/R3E-Network/orchestrator/internal/logging"
	"github.com/R3E-Network/orchestrator/pkg/testutil"
	"github.com/R3E-Network/orchestrator/services/base"
)

type fixture struct {
	store  *kvstore.MemoryStore
	broker *broker.MemoryBroker
	events *events.RingBuffer
	reg    *Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  kvstore.NewMemoryStore(),
		broker: broker.NewMemoryBroker(),
		events: events.NewRingBuffer(100),
	}
	opts = append([]Option{WithLogger(logging.NewNop()), WithEvents(f.events)}, opts...)
	f.reg = New(f.store, f.broker, opts...)
	require.NoError(t, f.reg.Initialize(context.Background()))
	return f
}

func (f *fixture) persisted(t *testing.T) Snapshot {
	t.Helper()
	data, err := f.store.Get(context.Background(), DefaultStateKey)
	require.NoError(t, err)
	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	return snap
}

func TestInitialize_DeclaresTopology(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.broker.HasExchange("orchestrator"))
	assert.True(t, f.broker.HasQueue("service_events"))
	assert.Equal(t, []string{"orchestrator/service.#"}, f.broker.Bindings("service_events"))
	assert.True(t, f.store.ExpiryNotificationsEnabled())
	assert.Len(t, f.events.RecentByType(events.EventRegistryInitialized, 1), 1)
}

func TestInitialize_PortFailures(t *testing.T) {
	t.Run("broker", func(t *testing.T) {
		br := broker.NewMemoryBroker()
		br.DeclareErr = errors.New("connection refused")
		reg := New(kvstore.NewMemoryStore(), br, WithLogger(logging.NewNop()))

		err := reg.Initialize(context.Background())
		assert.ErrorIs(t, err, svcerrors.ErrBroker)
	})

	t.Run("store", func(t *testing.T) {
		store := kvstore.NewMemoryStore()
		store.ConfigErr = errors.New("CONFIG disabled")
		reg := New(store, broker.NewMemoryBroker(), WithLogger(logging.NewNop()))

		err := reg.Initialize(context.Background())
		assert.ErrorIs(t, err, svcerrors.ErrStore)
	})
}

func TestRegisterService_DependencyLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := testutil.NewMockService("a")
	require.NoError(t, f.reg.RegisterService(ctx, a))
	assert.Equal(t, state.StatusRunning, f.reg.GetServiceStatus("a"))

	b := testutil.NewMockService("b", "a")
	require.NoError(t, f.reg.RegisterService(ctx, b))
	assert.Equal(t, state.StatusRunning, f.reg.GetServiceStatus("b"))

	require.NoError(t, f.reg.RemoveService(ctx, "a"))
	assert.Equal(t, state.StatusError, f.reg.GetServiceStatus("a"))
	assert.Equal(t, state.StatusError, f.reg.GetServiceStatus("never-registered"))
	assert.Equal(t, 1, a.Stops())

	c := testutil.NewMockService("c", "a")
	err := f.reg.RegisterService(ctx, c)
	require.ErrorIs(t, err, svcerrors.ErrDependencyUnsatisfied)
	assert.Equal(t, "Dépendance non satisfaite: a", err.Error())
	assert.Zero(t, c.Starts(), "rejected service must not be started")

	_, ok := f.reg.Lookup("c")
	assert.False(t, ok)
	assert.NotContains(t, f.persisted(t).Services, "c")
}

func TestRegisterService_DependencyMustBeRunning(t *testing.T) {
	f := newFixture(t, WithRetractOnFailure(false))
	ctx := context.Background()

	broken := testutil.NewMockService("broken")
	broken.StartErr = errors.New("boot failure")
	require.Error(t, f.reg.RegisterService(ctx, broken))

	d, ok := f.reg.Lookup("broken")
	require.True(t, ok, "without retraction the failed service stays registered")
	assert.Equal(t, state.StatusError, d.Status)
	assert.Equal(t, state.StatusError, f.persisted(t).Services["broken"].Status)

	err := f.reg.RegisterService(ctx, testutil.NewMockService("dependent", "broken"))
	assert.ErrorIs(t, err, svcerrors.ErrDependencyUnsatisfied)
	assert.Len(t, f.events.RecentByType(events.EventDependencyMissing, 10), 1)
}

func TestRegisterService_StartFailureRetracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("ok")))

	broken := testutil.NewMockService("broken")
	broken.StartErr = errors.New("boot failure")
	err := f.reg.RegisterService(ctx, broken)
	require.Error(t, err)
	assert.ErrorIs(t, err, broken.StartErr)

	_, ok := f.reg.Lookup("broken")
	assert.False(t, ok)
	assert.Equal(t, state.StatusError, f.reg.GetServiceStatus("broken"))
	assert.NotContains(t, f.persisted(t).Services, "broken")
	assert.Len(t, f.events.RecentByType(events.EventServiceStartFailed, 1), 1)
}

func TestRegisterService_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.reg.RegisterService(ctx, nil), svcerrors.ErrValidation)
	assert.ErrorIs(t, f.reg.RegisterService(ctx, testutil.NewMockService(" ")), svcerrors.ErrValidation)

	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("a")))
	dup := testutil.NewMockService("a")
	assert.ErrorIs(t, f.reg.RegisterService(ctx, dup), svcerrors.ErrValidation)
	assert.Zero(t, dup.Starts())
}

func TestRemoveService_UnknownIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.reg.RemoveService(context.Background(), "ghost"))
	assert.Empty(t, f.broker.Published())
}

func TestRemoveService_StopFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	svc := testutil.NewMockService("sticky")
	require.NoError(t, f.reg.RegisterService(ctx, svc))
	svc.StopErr = errors.New("flush failed")

	require.Error(t, f.reg.RemoveService(ctx, "sticky"))
	d, ok := f.reg.Lookup("sticky")
	require.True(t, ok)
	assert.Equal(t, state.StatusError, d.Status)
	assert.Equal(t, state.StatusError, f.persisted(t).Services["sticky"].Status)
}

func TestSnapshotMirrorsMap(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func() kvstore.Store{
		"updater": func() kvstore.Store { return kvstore.NewMemoryStore() },
		"plain":   func() kvstore.Store { return plainStore{kvstore.NewMemoryStore()} },
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			store := mk()
			reg := New(store, broker.NewMemoryBroker(), WithLogger(logging.NewNop()))
			require.NoError(t, reg.Initialize(ctx))

			steps := []func() error{
				func() error { return reg.RegisterService(ctx, testutil.NewMockService("a")) },
				func() error { return reg.RegisterService(ctx, testutil.NewMockService("b", "a")) },
				func() error { return reg.RegisterService(ctx, testutil.NewMockService("c", "a", "b")) },
				func() error { return reg.RemoveService(ctx, "b") },
				func() error { return reg.RegisterService(ctx, testutil.NewMockService("d")) },
				func() error { return reg.RemoveService(ctx, "a") },
			}
			for i, step := range steps {
				require.NoError(t, step())

				data, err := store.Get(ctx, DefaultStateKey)
				require.NoError(t, err)
				persisted, err := DecodeSnapshot(data)
				require.NoError(t, err)

				live := reg.Snapshot()
				assert.Equal(t, live.Services, persisted.Services, "step %d", i)
				assert.Equal(t, int64(i+1), persisted.Version, "step %d", i)
			}
		})
	}
}

func TestSnapshotEnvelopeFormat(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.RegisterService(context.Background(), testutil.NewMockService("a").WithType(state.TypeMemory)))

	data, err := f.store.Get(context.Background(), DefaultStateKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"version": 1,
		"services": {
			"a": {"id":"a","name":"Mock a","type":"MEMORY","status":"RUNNING","dependencies":[]}
		}
	}`, string(data))
}

func TestPublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("memory-system")))
	require.NoError(t, f.reg.RemoveService(ctx, "memory-system"))

	pub := f.broker.Published()
	require.Len(t, pub, 2)
	assert.Equal(t, "orchestrator", pub[0].Exchange)
	assert.Equal(t, "service.memory-system.registered", pub[0].RoutingKey)
	assert.Equal(t, "service.memory-system.removed", pub[1].RoutingKey)
	assert.Equal(t, "memory-system", pub[1].Event.ServiceID)
	assert.Equal(t, state.StatusError, pub[1].Event.Payload["status"])
}

func TestRegisterService_BrokerFailure(t *testing.T) {
	f := newFixture(t)
	f.broker.PublishErr = errors.New("channel closed")

	err := f.reg.RegisterService(context.Background(), testutil.NewMockService("a"))
	assert.ErrorIs(t, err, svcerrors.ErrBroker)
	assert.Contains(t, f.persisted(t).Services, "a", "snapshot is written before publishing")
	assert.Equal(t, state.StatusRunning, f.reg.GetServiceStatus("a"), "registration stands")
}

func TestPublishLimiter(t *testing.T) {
	lim := bus.NewLimiter(bus.LimiterConfig{MaxConcurrent: 1})
	f := newFixture(t, WithPublishLimiter(lim))
	ctx := context.Background()

	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("a")))
	assert.EqualValues(t, 1, lim.Stats().TotalAcquired)
	assert.Zero(t, lim.Active())

	lim.Close()
	err := f.reg.RegisterService(ctx, testutil.NewMockService("b"))
	assert.ErrorIs(t, err, svcerrors.ErrBroker)
	assert.ErrorIs(t, err, bus.ErrLimiterClosed)
}

func TestRegisterService_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetErr = errors.New("READONLY")

	err := f.reg.RegisterService(context.Background(), testutil.NewMockService("a"))
	assert.ErrorIs(t, err, svcerrors.ErrStore)
	assert.Empty(t, f.broker.Published())
}

func TestRestoreState_TopologicalOrder(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	// Legacy bare-map snapshot listing dependents before their dependencies.
	legacy := map[string]Descriptor{
		"c": {ID: "c", Name: "C", Type: state.TypeModule, Status: state.StatusRunning, Dependencies: []string{"b"}},
		"b": {ID: "b", Name: "B", Type: state.TypeModule, Status: state.StatusRunning, Dependencies: []string{"a"}},
		"a": {ID: "a", Name: "A", Type: state.TypeMemory, Status: state.StatusRunning, Dependencies: []string{}},
	}
	data, _ := json.Marshal(legacy)
	require.NoError(t, store.Set(ctx, DefaultStateKey, data, 0))

	calls := testutil.NewCallLog()
	factory := func(d Descriptor) (base.Service, error) {
		return testutil.NewMockService(d.ID, d.Dependencies...).WithType(d.Type).WithLog(calls), nil
	}
	reg := New(store, broker.NewMemoryBroker(), WithLogger(logging.NewNop()), WithFactory(factory))
	require.NoError(t, reg.Initialize(ctx))

	assert.Equal(t, []string{"start:a", "start:b", "start:c"}, calls.Calls())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, state.StatusRunning, reg.GetServiceStatus(id))
	}
	d, _ := reg.Lookup("a")
	assert.Equal(t, state.TypeMemory, d.Type)

	// Restoring rewrites the snapshot in the versioned envelope.
	raw, _ := store.Get(ctx, DefaultStateKey)
	assert.Contains(t, string(raw), `"version":3`)
}

func TestRestoreState_SkipsMissingAndCycles(t *testing.T) {
	ctx := context.Background()
	f := &fixture{store: kvstore.NewMemoryStore(), broker: broker.NewMemoryBroker(), events: events.NewRingBuffer(50)}

	snap := Snapshot{Version: 7, Services: map[string]Descriptor{
		"root":     {ID: "root", Type: state.TypeModule},
		"orphan":   {ID: "orphan", Type: state.TypeModule, Dependencies: []string{"nowhere"}},
		"grand":    {ID: "grand", Type: state.TypeModule, Dependencies: []string{"orphan"}},
		"x":        {ID: "x", Type: state.TypeModule, Dependencies: []string{"y"}},
		"y":        {ID: "y", Type: state.TypeModule, Dependencies: []string{"x"}},
		"behind-x": {ID: "behind-x", Type: state.TypeModule, Dependencies: []string{"x"}},
		"leaf":     {ID: "leaf", Type: state.TypeModule, Dependencies: []string{"root"}},
	}}
	data, _ := json.Marshal(snap)
	require.NoError(t, f.store.Set(ctx, DefaultStateKey, data, 0))

	f.reg = New(f.store, f.broker, WithLogger(logging.NewNop()), WithEvents(f.events))
	require.NoError(t, f.reg.Initialize(ctx))

	var ids []string
	for _, d := range f.reg.Services() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"leaf", "root"}, ids)
	assert.Len(t, f.events.RecentByType(events.EventDependencyMissing, 10), 2)
	assert.Len(t, f.events.RecentByType(events.EventDependencyCycle, 10), 3)

	persisted := f.persisted(t)
	assert.Equal(t, int64(9), persisted.Version, "version continues from the stored envelope")
	assert.Len(t, persisted.Services, 2)
}

func TestRestoreState_SkipsLiveServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := testutil.NewMockService("a")
	require.NoError(t, f.reg.RegisterService(ctx, live))

	require.NoError(t, f.reg.RestoreState(ctx))
	assert.Equal(t, 1, live.Starts())
	assert.Len(t, f.reg.Services(), 1)
}

func TestRestoreState_DependencySatisfiedByLiveService(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	reg := New(store, broker.NewMemoryBroker(), WithLogger(logging.NewNop()))
	require.NoError(t, reg.RegisterService(ctx, testutil.NewMockService("memory-system")))

	// Another instance wrote a snapshot holding only the dependent.
	data, _ := json.Marshal(Snapshot{Version: 5, Services: map[string]Descriptor{
		"chat": {ID: "chat", Type: state.TypeChat, Dependencies: []string{"memory-system"}},
	}})
	require.NoError(t, store.Set(ctx, DefaultStateKey, data, 0))

	require.NoError(t, reg.RestoreState(ctx))
	assert.Equal(t, state.StatusRunning, reg.GetServiceStatus("chat"))
	assert.Len(t, reg.Services(), 2)
}

func TestRestoreState_CorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Set(ctx, DefaultStateKey, []byte("{not json"), 0))

	reg := New(store, broker.NewMemoryBroker(), WithLogger(logging.NewNop()))
	err := reg.RestoreState(ctx)
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeInternal), "err = %v", err)
}

func TestShutdown_ReverseDependencyOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := testutil.NewCallLog()

	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("a").WithLog(calls)))
	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("b", "a").WithLog(calls)))
	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("c", "b").WithLog(calls)))

	require.NoError(t, f.reg.Shutdown(ctx))
	assert.Equal(t, []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}, calls.Calls())
	assert.Empty(t, f.reg.Services())
	assert.Empty(t, f.persisted(t).Services)
}

func TestServices_SortedByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService(id)))
	}

	var ids []string
	for _, d := range f.reg.Services() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestDecodeSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		version int64
		ids     []string
		wantErr bool
	}{
		{"envelope", `{"version":4,"services":{"a":{"id":"a","type":"MODULE","status":"RUNNING"}}}`, 4, []string{"a"}, false},
		{"empty envelope", `{"version":1,"services":null}`, 1, nil, false},
		{"legacy map", `{"a":{"id":"a","status":"RUNNING"},"b":{"status":"STOPPED"}}`, 0, []string{"a", "b"}, false},
		{"empty legacy", `{}`, 0, nil, false},
		{"not json", `[`, 0, nil, true},
		{"bad entry", `{"a":42}`, 0, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := DecodeSnapshot([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, snap.Version)
			assert.Len(t, snap.Services, len(tt.ids))
			for _, id := range tt.ids {
				assert.Equal(t, id, snap.Services[id].ID)
			}
		})
	}
}

// plainStore hides the Updater capability of the wrapped store.
type plainStore struct {
	kvstore.Store
}

func TestRegisterDescriptors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("memory-system")))

	registered, err := f.reg.RegisterDescriptors(ctx, []Descriptor{
		{ID: "reports", Type: state.TypeModule, Dependencies: []string{"knowledge-base"}},
		{ID: "knowledge-base", Type: state.TypeExtension, Dependencies: []string{"memory-system"}},
		{ID: "orphan", Type: state.TypeModule, Dependencies: []string{"ghost"}},
		{ID: "memory-system", Type: state.TypeMemory},
	})

	assert.Equal(t, []string{"knowledge-base", "reports"}, registered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, svcerrors.ErrDependencyUnsatisfied))
	assert.True(t, errors.Is(err, svcerrors.ErrValidation), "re-registering a live id is rejected")
	assert.Equal(t, state.StatusRunning, f.reg.GetServiceStatus("reports"))
	assert.Len(t, f.persisted(t).Services, 3)
}

func TestRestartService(t *testing.T) {
	f := newFixture(t, WithRetractOnFailure(false))
	ctx := context.Background()

	err := f.reg.RestartService(ctx, "ghost")
	assert.True(t, svcerrors.IsCode(err, svcerrors.CodeUnknownService))

	broken := testutil.NewMockService("broken")
	broken.StartErr = errors.New("boot failure")
	require.Error(t, f.reg.RegisterService(ctx, broken))
	steady := testutil.NewMockService("steady")
	require.NoError(t, f.reg.RegisterService(ctx, steady))

	t.Run("still failing", func(t *testing.T) {
		err := f.reg.RestartService(ctx, "broken")
		require.ErrorIs(t, err, broken.StartErr)
		assert.Equal(t, state.StatusError, f.reg.GetServiceStatus("broken"))
		assert.Equal(t, state.StatusError, f.persisted(t).Services["broken"].Status)
	})

	t.Run("recovers", func(t *testing.T) {
		broken.StartErr = nil
		before := len(f.broker.Published())

		require.NoError(t, f.reg.RestartService(ctx, "broken"))
		assert.Equal(t, state.StatusRunning, f.reg.GetServiceStatus("broken"))
		assert.Equal(t, state.StatusRunning, f.persisted(t).Services["broken"].Status)
		assert.Equal(t, 3, broken.Starts())

		pub := f.broker.Published()
		require.Len(t, pub, before+1)
		assert.Equal(t, "service.broken.restarted", pub[before].RoutingKey)
		assert.Len(t, f.events.RecentByType(events.EventServiceRestarted, 1), 1)
	})

	t.Run("running service is stopped first", func(t *testing.T) {
		require.NoError(t, f.reg.RestartService(ctx, "steady"))
		assert.Equal(t, 1, steady.Stops())
		assert.Equal(t, 2, steady.Starts())
	})
}

func TestRestartService_DependencyDown(t *testing.T) {
	f := newFixture(t, WithRetractOnFailure(false))
	ctx := context.Background()

	require.NoError(t, f.reg.RegisterService(ctx, testutil.NewMockService("a")))
	b := testutil.NewMockService("b", "a")
	require.NoError(t, f.reg.RegisterService(ctx, b))
	require.NoError(t, f.reg.RemoveService(ctx, "a"))

	err := f.reg.RestartService(ctx, "b")
	require.ErrorIs(t, err, svcerrors.ErrDependencyUnsatisfied)
	assert.Equal(t, 1, b.Starts(), "restart must not touch the service")
}
