package registry

import "sort"

const (
	reasonMissing = "missing"
	reasonCycle   = "cycle"
)

// skippedEntry is a descriptor that cannot be ordered.
type skippedEntry struct {
	ID         string
	Dependency string
	Reason     string
}

// orderDescriptors sorts descs so every service comes after the services it
// depends on (Kahn's algorithm). Dependencies satisfied by live are treated
// as already started. Entries depending, directly or transitively, on an id
// found in neither set are skipped as missing; entries left over once the
// queue drains sit on or behind a cycle. Ties are broken by id so the order
// is deterministic.
func orderDescriptors(descs map[string]Descriptor, live map[string]bool) ([]Descriptor, []skippedEntry) {
	ids := make([]string, 0, len(descs))
	for id := range descs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var skipped []skippedEntry
	excluded := make(map[string]bool)

	// Propagate missing dependencies until nothing changes.
	for changed := true; changed; {
		changed = false
		for _, id := range ids {
			if excluded[id] {
				continue
			}
			for _, dep := range descs[id].Dependencies {
				_, inSnapshot := descs[dep]
				if (inSnapshot && !excluded[dep]) || (!inSnapshot && live[dep]) {
					continue
				}
				excluded[id] = true
				skipped = append(skipped, skippedEntry{ID: id, Dependency: dep, Reason: reasonMissing})
				changed = true
				break
			}
		}
	}

	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, id := range ids {
		if excluded[id] {
			continue
		}
		inDegree[id] += 0
		for _, dep := range descs[id].Dependencies {
			if _, inSnapshot := descs[dep]; !inSnapshot {
				continue
			}
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	var queue []string
	for _, id := range ids {
		if !excluded[id] && inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	ordered := make([]Descriptor, 0, len(inDegree))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, descs[id])

		next := dependents[id]
		sort.Strings(next)
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(ordered) < len(inDegree) {
		for _, id := range ids {
			if excluded[id] || inDegree[id] == 0 {
				continue
			}
			blocker := ""
			for _, dep := range descs[id].Dependencies {
				if _, inSnapshot := descs[dep]; inSnapshot && inDegree[dep] > 0 {
					blocker = dep
					break
				}
			}
			skipped = append(skipped, skippedEntry{ID: id, Dependency: blocker, Reason: reasonCycle})
		}
	}

	return ordered, skipped
}
