package agreement

import "fmt"

// updateAt applies fn to the milestone at index.
func (m *Milestones) updateAt(index int, fn func(*Milestone)) error {
	if index < 0 || index >= len(m) {
		return fmt.Errorf("%w: %d (have %d)", ErrInvalidMilestoneIndex, index, len(m))
	}
	fn(&m[index])
	return nil
}

// all reports whether every milestone satisfies pred.
func (m Milestones) all(pred func(Milestone) bool) bool {
	for _, ms := range m {
		if !pred(ms) {
			return false
		}
	}
	return true
}

// Complete marks the milestone at index complete. It reports whether the
// slot changed; re-marking a completed milestone is a no-op.
func (m *Milestones) Complete(index int) (bool, error) {
	changed := false
	err := m.updateAt(index, func(ms *Milestone) {
		if !ms.Completed {
			ms.Completed = true
			changed = true
		}
	})
	return changed, err
}

// AllComplete reports whether every milestone has been delivered.
func (m Milestones) AllComplete() bool {
	return m.all(func(ms Milestone) bool { return ms.Completed })
}

// CompletedCount returns the number of delivered milestones.
func (m Milestones) CompletedCount() int {
	n := 0
	for _, ms := range m {
		if ms.Completed {
			n++
		}
	}
	return n
}
