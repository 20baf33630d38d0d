package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/orchestrator/internal/engine/events"
	svcerrors "github.com/R3E-Network/orchestrator/internal/errors"
	"github.com/R3E-Network/orchestrator/internal/kvstore"
)

// Snapshot is the persisted form of the service map.
type Snapshot struct {
	Version  int64                 `json:"version"`
	Services map[string]Descriptor `json:"services"`
}

// DecodeSnapshot parses a persisted snapshot. Besides the versioned
// envelope it accepts the bare {"<id>": Descriptor} map written by older
// deployments, which decodes with version 0.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	_, hasVersion := probe["version"]
	_, hasServices := probe["services"]
	if hasVersion && hasServices {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
		}
		if snap.Services == nil {
			snap.Services = make(map[string]Descriptor)
		}
		return snap, nil
	}

	legacy := make(map[string]Descriptor, len(probe))
	for id, raw := range probe {
		var d Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return Snapshot{}, fmt.Errorf("decode snapshot entry %s: %w", id, err)
		}
		if d.ID == "" {
			d.ID = id
		}
		legacy[id] = d
	}
	return Snapshot{Services: legacy}, nil
}

// Snapshot returns the in-memory view that the next persist would write.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	services := make(map[string]Descriptor, len(r.entries))
	for id, e := range r.entries {
		services[id] = e.describe()
	}
	return Snapshot{Version: r.version, Services: services}
}

// persist writes the current map. Stores that support optimistic updates
// get a version bump checked against the stored envelope; others fall back
// to a plain overwrite.
func (r *Registry) persist(ctx context.Context) error {
	snap := r.Snapshot()

	err := r.withTimeout(ctx, func(ctx context.Context) error {
		if updater, ok := r.store.(kvstore.Updater); ok {
			return updater.Update(ctx, r.stateKey, func(current []byte) ([]byte, error) {
				snap.Version = r.nextVersion(current)
				return json.Marshal(snap)
			})
		}
		snap.Version++
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return r.store.Set(ctx, r.stateKey, data, 0)
	})
	r.metrics.RecordStoreOp("set", err)
	r.metrics.RecordSnapshotWrite(err)
	if err != nil {
		return svcerrors.Store("persist snapshot", err)
	}

	r.mu.Lock()
	r.version = snap.Version
	r.mu.Unlock()
	return nil
}

func (r *Registry) nextVersion(current []byte) int64 {
	r.mu.RLock()
	v := r.version
	r.mu.RUnlock()
	if len(current) > 0 {
		if stored, err := DecodeSnapshot(current); err == nil && stored.Version > v {
			v = stored.Version
		}
	}
	return v + 1
}

// Resync rewrites the snapshot from the in-memory map.
func (r *Registry) Resync(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.persist(ctx)
}

// RestoreState reads the snapshot and re-registers its services in
// dependency order. Services that are already live are left alone. Entries
// with unsatisfiable dependencies or on a cycle are skipped, as are entries
// whose registration fails; both are logged.
func (r *Registry) RestoreState(ctx context.Context) error {
	var data []byte
	err := r.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.store.Get(ctx, r.stateKey)
		return err
	})
	if errors.Is(err, kvstore.ErrNotFound) {
		r.metrics.RecordStoreOp("get", nil)
		r.logger.Info("no persisted registry state")
		return nil
	}
	r.metrics.RecordStoreOp("get", err)
	if err != nil {
		return svcerrors.Store("load snapshot", err)
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		return svcerrors.Internal("persisted registry state is corrupt", err)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	start := time.Now()
	r.mu.Lock()
	if snap.Version > r.version {
		r.version = snap.Version
	}
	live := make(map[string]bool, len(r.entries))
	for id := range r.entries {
		live[id] = true
	}
	r.mu.Unlock()

	ordered, skipped := orderDescriptors(snap.Services, live)

	for _, s := range skipped {
		eventType := events.EventDependencyMissing
		if s.Reason == reasonCycle {
			eventType = events.EventDependencyCycle
			r.metrics.RecordDependencyCycle()
		} else {
			r.metrics.RecordDependencyMissing(s.Dependency)
		}
		events.NewEvent(eventType).
			Service(s.ID).
			Component("registry").
			Severity(events.SeverityWarning).
			Metadata("dependency", s.Dependency).
			LogToWithContext(ctx, r.events)
		r.logger.WithField("service", s.ID).
			WithField("dependency", s.Dependency).
			WithField("reason", s.Reason).
			Warn("skipping persisted service")
	}

	restored := 0
	for _, d := range ordered {
		if live[d.ID] {
			continue
		}
		svc, err := r.factory(d)
		if err != nil {
			r.logger.WithError(err).WithField("service", d.ID).Warn("cannot rebuild persisted service")
			continue
		}
		if err := r.register(ctx, svc); err != nil {
			r.logger.WithError(err).WithField("service", d.ID).Warn("cannot restore persisted service")
			continue
		}
		restored++
	}

	events.NewEvent(events.EventRegistryRestored).
		Component("registry").
		Duration(time.Since(start)).
		Metadata("restored", fmt.Sprint(restored)).
		Metadata("skipped", fmt.Sprint(len(skipped))).
		LogToWithContext(ctx, r.events)
	r.logger.WithField("restored", restored).
		WithField("skipped", len(skipped)).
		WithField("version", snap.Version).
		Info("registry state restored")
	return nil
}
