package storage

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/SimonWaldherr/ridtree/internal/ridtree"
)

// ==================== Checkpoint Scheduler ====================
// Runs each configured tree's Checkpoint on its own CRON expression,
// grounded on the teacher's job scheduler (internal/storage/scheduler.go
// in the source repo), trimmed to the one job kind this module needs:
// there is no SQL executor here, just a fixed action (Checkpoint) per
// registered tree.

// CheckpointScheduler periodically checkpoints a set of trees.
type CheckpointScheduler struct {
	cron *cron.Cron
	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewCheckpointScheduler builds a scheduler with second-granularity CRON
// expressions (§11: "robfig/cron with seconds").
func NewCheckpointScheduler() *CheckpointScheduler {
	return &CheckpointScheduler{
		cron: cron.New(cron.WithSeconds()),
		jobs: make(map[string]cron.EntryID),
	}
}

// Register schedules t's Checkpoint on spec. An empty spec is a no-op
// (the tree is simply never auto-checkpointed; Close() still performs a
// final checkpoint per the Pager's own contract).
func (s *CheckpointScheduler) Register(name, spec string, t *ridtree.Tree) error {
	if spec == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() {
		if err := t.Checkpoint(); err != nil {
			log.Printf("[ridtree] checkpoint %q failed: %v", name, err)
			return
		}
		log.Printf("[ridtree] checkpoint %q complete", name)
	})
	if err != nil {
		return err
	}
	s.jobs[name] = id
	return nil
}

// Unregister removes a previously scheduled tree's checkpoint job.
func (s *CheckpointScheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Start begins running scheduled checkpoints in the background.
func (s *CheckpointScheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight checkpoint to finish.
func (s *CheckpointScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
