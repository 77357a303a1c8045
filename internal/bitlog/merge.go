package bitlog

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// mergeScheduler is the Merge Scheduler from spec.md §4.7: a background
// goroutine that periodically elects stale victim files, rewrites their
// live records into a new sealed file, and retires the victims once
// every live record has been republished.
type mergeScheduler struct {
	e        *Engine
	interval time.Duration
	minBatch int

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func newMergeScheduler(e *Engine) *mergeScheduler {
	return &mergeScheduler{
		e:        e,
		interval: e.opts.MergeJobInterval,
		minBatch: e.opts.MergeThresholdFileNumber,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (m *mergeScheduler) start() {
	go m.loop()
}

// stop signals the loop to exit and waits for it to finish any round
// already in flight, so Close never returns while a merge is still
// touching files the engine is about to release.
func (m *mergeScheduler) stop() error {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
	return nil
}

func (m *mergeScheduler) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runRound()
		}
	}
}

// runRound elects a batch of victims and, if there are enough to meet
// mergeThresholdFileNumber, rewrites their live records and retires
// them (spec.md §4.7).
func (m *mergeScheduler) runRound() {
	e := m.e
	if e.stale.VictimCount() < m.minBatch {
		return
	}
	victims := e.stale.ElectBatch(m.minBatch)
	if len(victims) == 0 {
		return
	}

	roundID := uuid.NewString()
	log := e.logger.With(fieldMergeRound(roundID))
	log.Info("bitlog: merge round starting", zap.Uint32s("victims", victims))

	out, err := e.beginMergeOutput()
	if err != nil {
		log.Warn("bitlog: merge round aborted: could not open output file", zap.Error(err))
		return
	}
	// Publish the output file before any locator can point into it, so a
	// Get that observes a merged locator can always resolve its file.
	e.files.Add(out.ID(), out)

	copied, skipped := 0, 0
	var handled []uint32
	for _, id := range victims {
		df, ok := e.files.Load()[id]
		if !ok {
			// Still the active file (it can cross the stale threshold
			// before it's ever sealed): leave it in the victim set so a
			// later round catches it once rotation seals it.
			continue
		}
		n, s := m.copyLiveRecords(df, out, log)
		copied += n
		skipped += s
		handled = append(handled, id)
	}

	if len(handled) == 0 {
		e.files.Remove(out.ID())
		_ = out.Close()
		_ = os.Remove(dataFilePath(e.dir, out.ID()))
		return
	}

	if out.Size() == 0 {
		// Nothing survived: every key in every handled victim was
		// superseded before this round ran. Discard the empty output
		// file and still retire the victims below.
		e.files.Remove(out.ID())
		_ = out.Close()
		_ = os.Remove(dataFilePath(e.dir, out.ID()))
	} else if err := out.Seal(); err != nil {
		log.Warn("bitlog: merge round failed sealing output", zap.Error(err))
		return
	}

	e.retireMergedFiles(handled)
	e.stale.Retire(handled)

	log.Info("bitlog: merge round complete",
		zap.Int("copied", copied), zap.Int("stale_skipped", skipped), zap.Uint32s("retired", handled))
}

// copyLiveRecords streams every record in df, republishing the ones
// whose key still resolves to df/offset (i.e. not yet overwritten or
// deleted since the round was elected) into out. A tombstone is never
// copied forward: it has already done its job of removing the key from
// the index, and the victim that held it is about to be deleted.
func (m *mergeScheduler) copyLiveRecords(df *DataFile, out *DataFile, log *zap.Logger) (copied, skipped int) {
	entries := df.ScanAll()
	for _, ent := range entries {
		if ent.Tombstone {
			continue
		}
		oldLoc := Locator{FileID: df.ID(), Offset: ent.RecordOffset, RecordSize: ent.RecordSize}

		cur, ok := m.e.index.Get(ent.Key)
		if !ok || cur != oldLoc {
			skipped++ // superseded since election; dead weight already charged elsewhere
			continue
		}

		raw, err := df.Read(int64(ent.RecordOffset), ent.RecordSize)
		if err != nil {
			log.Warn("bitlog: merge skipped unreadable record", zap.Error(err))
			continue
		}

		newOffset, err := out.Append(raw)
		if err != nil {
			log.Warn("bitlog: merge write failed", zap.Error(err))
			continue
		}
		newLoc := Locator{FileID: out.ID(), Offset: uint64(newOffset), RecordSize: ent.RecordSize}

		if !m.e.index.Replace(ent.Key, oldLoc, newLoc) {
			// A put (or delete) raced us between the scan and the
			// publish; the bytes we just wrote are dead on arrival.
			m.e.stale.ChargeBytes(out.ID(), int64(ent.RecordSize))
			skipped++
			continue
		}
		copied++
	}
	return copied, skipped
}

// beginMergeOutput opens a brand-new active-style file under the
// engine's monotonic id sequence to receive merged records. It never
// reuses a victim's id, so there is no rename/temp-name step: sealing
// it and publishing it into the fileSet is identical to ordinary
// rotation (spec.md §4.7, §9).
func (e *Engine) beginMergeOutput() (*DataFile, error) {
	e.rotMu.Lock()
	defer e.rotMu.Unlock()
	id := e.nextID
	e.nextID++
	return createActiveDataFile(e.dir, id, e.opts.UseMmap)
}

// retireMergedFiles marks each victim for unlink (deferred if a reader
// still holds it pinned) and removes it from the published file set and
// the stale accountant's bookkeeping.
func (e *Engine) retireMergedFiles(ids []uint32) {
	for _, id := range ids {
		df := e.files.Remove(id)
		if df == nil {
			continue
		}
		if err := df.MarkForUnlink(); err != nil {
			e.logger.Warn("bitlog: failed to unlink retired file", fieldFileID(id), zap.Error(err))
		}
		e.stale.DropFile(id)
	}
}
