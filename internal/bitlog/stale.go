package bitlog

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// fileSizer resolves a fileId's current physical size, so the
// accountant can compare accumulated stale bytes against it without
// owning the file set itself.
type fileSizer interface {
	fileSize(id uint32) (int64, bool)
}

// staleAccountant is the Stale Accountant from spec.md §4.5: it tracks
// superseded bytes per file and elects files for compaction once their
// stale fraction crosses the configured threshold.
type staleAccountant struct {
	mu        sync.Mutex
	stale     map[uint32]int64
	victims   mapset.Set[uint32]
	threshold float64
	sizer     fileSizer
}

func newStaleAccountant(threshold float64, sizer fileSizer) *staleAccountant {
	return &staleAccountant{
		stale:     make(map[uint32]int64),
		victims:   mapset.NewThreadUnsafeSet[uint32](),
		threshold: threshold,
		sizer:     sizer,
	}
}

// ChargeOverwrite atomically adds prior's record size to its file's
// stale counter. If the running total reaches or exceeds
// threshold*fileSize, the file is elected a victim and its counter
// resets (spec.md §4.5).
func (s *staleAccountant) ChargeOverwrite(prior Locator) {
	s.chargeBytes(prior.FileID, int64(prior.RecordSize))
}

// ChargeBytes is the same accounting ChargeOverwrite performs, for
// bytes that are stale the moment they are written rather than because
// they replaced an existing locator: a tombstone's own bytes (spec.md
// §9 — charged to the tombstone's own file so a key that is only ever
// deleted still drives the file toward eligibility), and a merge
// output record whose CAS publish lost a race against a concurrent put
// (spec.md §4.7 — those bytes are dead on arrival in the new file).
func (s *staleAccountant) ChargeBytes(fileID uint32, size int64) {
	s.chargeBytes(fileID, size)
}

func (s *staleAccountant) chargeBytes(fileID uint32, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.stale[fileID] + size
	s.stale[fileID] = total

	fileSize, ok := s.sizer.fileSize(fileID)
	if !ok || fileSize <= 0 {
		return
	}
	if float64(total) >= s.threshold*float64(fileSize) {
		s.victims.Add(fileID)
		s.stale[fileID] = 0
	}
}

// ElectBatch returns up to n victim fileIds. Tie-breaking among
// victims is unspecified, matching the set semantics of spec.md §4.5.
func (s *staleAccountant) ElectBatch(n int) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.victims.ToSlice()
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// VictimCount reports how many files currently await a merge round,
// used to gate whether a round starts at all (mergeThresholdFileNumber).
func (s *staleAccountant) VictimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.victims.Cardinality()
}

// Retire removes ids from the victim set after the merger has rewritten
// them.
func (s *staleAccountant) Retire(ids []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.victims.Remove(id)
	}
}

// DropFile removes both the counter and any victim entry for id, called
// once the file has actually been deleted.
func (s *staleAccountant) DropFile(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stale, id)
	s.victims.Remove(id)
}
