package xmldiff

import (
	"maps"
	"slices"
)

// AttributeChange sets Name to *Value, or removes Name when Value is nil.
type AttributeChange struct {
	Name  string
	Value *string
}

// Removed reports whether the change deletes the attribute.
func (change AttributeChange) Removed() bool {
	return change.Value == nil
}

// DiffDicts returns the changes turning oldValues into newValues, skipping
// ignored keys. Changes are ordered by name.
func DiffDicts(oldValues, newValues map[string]string, ignored map[string]struct{}) []AttributeChange {
	names := make(map[string]struct{}, len(oldValues)+len(newValues))
	for name := range oldValues {
		names[name] = struct{}{}
	}
	for name := range newValues {
		names[name] = struct{}{}
	}

	changes := make([]AttributeChange, 0)
	for _, name := range slices.Sorted(maps.Keys(names)) {
		if _, skip := ignored[name]; skip {
			continue
		}
		oldValue, hadOld := oldValues[name]
		newValue, hasNew := newValues[name]
		switch {
		case hadOld && !hasNew:
			changes = append(changes, AttributeChange{Name: name})
		case hasNew && (!hadOld || oldValue != newValue):
			value := newValue
			changes = append(changes, AttributeChange{Name: name, Value: &value})
		}
	}
	return changes
}

// ApplyDictChanges returns a copy of values with changes applied.
func ApplyDictChanges(values map[string]string, changes []AttributeChange) map[string]string {
	result := maps.Clone(values)
	if result == nil {
		result = make(map[string]string, len(changes))
	}
	for _, change := range changes {
		if change.Removed() {
			delete(result, change.Name)
			continue
		}
		result[change.Name] = *change.Value
	}
	return result
}
