package mission

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

// ActiveSet holds the currently active mission document. Readers see a
// consistent snapshot; Reload swaps the whole document in one atomic store
// and only after validation passes, so a bad file on disk can never displace
// a working set.
type ActiveSet struct {
	doc     atomic.Pointer[Document]
	guards  NameSet
	actions NameSet

	defaultInterval time.Duration
	logger          *zap.Logger
}

// NewActiveSet builds an empty active set. Call Reload before serving ticks.
func NewActiveSet(guards, actions NameSet, defaultInterval time.Duration, logger *zap.Logger) *ActiveSet {
	return &ActiveSet{
		guards:          guards,
		actions:         actions,
		defaultInterval: defaultInterval,
		logger:          logger.Named("missions"),
	}
}

// Reload parses and validates the file at path, then activates it. On any
// error-level violation the previous document stays active and the returned
// error lists every violation found, warnings included.
func (s *ActiveSet) Reload(path string) error {
	doc, err := Load(path)
	if err != nil {
		return err
	}
	ve := Validate(doc, s.guards, s.actions, s.defaultInterval)
	for _, w := range ve.Warnings() {
		s.logger.Warn("mission validation warning",
			zap.String("mission", w.Mission),
			zap.String("check", w.Check),
			zap.String("detail", w.Message))
	}
	if ve.HasErrors() {
		return ve
	}
	s.doc.Store(doc)
	s.logger.Info("mission document activated",
		zap.String("path", path),
		zap.Int("missions", len(doc.Missions)),
		zap.Int("agents", len(doc.Agents)))
	return nil
}

// Document returns the active snapshot, or nil before the first Reload.
func (s *ActiveSet) Document() *Document {
	return s.doc.Load()
}

// Mission resolves a mission by name from the active snapshot.
func (s *ActiveSet) Mission(name string) (*schemas.MissionDefinition, error) {
	doc := s.doc.Load()
	if doc == nil {
		return nil, schemas.ErrNotFound
	}
	return doc.Mission(name)
}

// Agents returns the worker roster from the active snapshot.
func (s *ActiveSet) Agents() []*schemas.AgentRecord {
	doc := s.doc.Load()
	if doc == nil {
		return nil
	}
	return doc.Agents
}
