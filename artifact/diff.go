package artifact

import "sort"

// Diff lists element ids that differ between two artifacts.
type Diff struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Compare diffs prev against next. An element counts as updated when its
// type or prebuild payload changed; metadata-only changes (a new content hash
// after an unrelated edit, say) are not reported. A nil prev means every
// element of next is added.
func Compare(prev, next *Artifact) Diff {
	d := Diff{Added: []string{}, Updated: []string{}, Removed: []string{}}
	var prevEls, nextEls map[string]Element
	if prev != nil {
		prevEls = prev.Elements
	}
	if next != nil {
		nextEls = next.Elements
	}

	for id, el := range nextEls {
		old, ok := prevEls[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		if !samePrebuild(old, el) {
			d.Updated = append(d.Updated, id)
		}
	}
	for id := range prevEls {
		if _, ok := nextEls[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Updated)
	sort.Strings(d.Removed)
	return d
}

func samePrebuild(a, b Element) bool {
	if a.Type != b.Type {
		return false
	}
	da, errA := PrebuildDigest(a)
	db, errB := PrebuildDigest(b)
	if errA != nil || errB != nil {
		return false
	}
	return da == db
}
