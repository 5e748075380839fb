package vector

import (
	"fmt"

	"github.com/ragweave/ragweave/internal/metadata"
)

// ConsistencyReport summarizes an integrity pass over the index.
type ConsistencyReport struct {
	Checked  int
	Issues   []string
	Repaired int
}

// Healthy reports whether the check found no issues.
func (r ConsistencyReport) Healthy() bool { return len(r.Issues) == 0 }

// CheckConsistency verifies internal invariants: the id/position maps are a
// bijection, every position has a vector of the configured dimension, the
// deletion set references known positions, and every live position carries a
// payload. With repair set, orphaned map entries and missing payloads are
// fixed in place; dimension damage is only reported since repairing it
// needs re-embedding.
func (idx *Index) CheckConsistency(repair bool) ConsistencyReport {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var rep ConsistencyReport
	rep.Checked = len(idx.vecs)

	for id, pos := range idx.idToPos {
		if back, ok := idx.posToID[pos]; !ok || back != id {
			rep.Issues = append(rep.Issues, fmt.Sprintf("id %q maps to position %d but reverse map disagrees", id, pos))
			if repair {
				idx.posToID[pos] = id
				rep.Repaired++
			}
		}
		if _, ok := idx.vecs[pos]; !ok {
			rep.Issues = append(rep.Issues, fmt.Sprintf("id %q has no vector at position %d", id, pos))
			if repair {
				delete(idx.idToPos, id)
				delete(idx.posToID, pos)
				delete(idx.payload, pos)
				delete(idx.deleted, pos)
				rep.Repaired++
			}
		}
	}

	for pos, id := range idx.posToID {
		if mapped, ok := idx.idToPos[id]; !ok || mapped != pos {
			rep.Issues = append(rep.Issues, fmt.Sprintf("position %d claims id %q but forward map disagrees", pos, id))
			if repair {
				delete(idx.posToID, pos)
				rep.Repaired++
			}
		}
	}

	for pos, vec := range idx.vecs {
		if len(vec) != idx.cfg.Dimension {
			rep.Issues = append(rep.Issues, fmt.Sprintf("position %d has dimension %d, expected %d", pos, len(vec), idx.cfg.Dimension))
		}
		if _, ok := idx.posToID[pos]; !ok {
			rep.Issues = append(rep.Issues, fmt.Sprintf("position %d has a vector but no id", pos))
			if repair {
				delete(idx.vecs, pos)
				delete(idx.payload, pos)
				delete(idx.deleted, pos)
				rep.Repaired++
			}
			continue
		}
		if _, dead := idx.deleted[pos]; dead {
			continue
		}
		if _, ok := idx.payload[pos]; !ok {
			rep.Issues = append(rep.Issues, fmt.Sprintf("position %d has no payload", pos))
			if repair {
				idx.payload[pos] = metadata.Record{
					metadata.KeyVectorID: idx.posToID[pos],
					metadata.KeyText:     "",
				}
				rep.Repaired++
			}
		}
	}

	for pos := range idx.deleted {
		if _, ok := idx.vecs[pos]; !ok {
			rep.Issues = append(rep.Issues, fmt.Sprintf("deletion set references unknown position %d", pos))
			if repair {
				delete(idx.deleted, pos)
				rep.Repaired++
			}
		}
	}

	return rep
}
