// Package storage persists engine state, campaign records, safety state,
// and performance metrics as JSON files on disk.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_spreads/internal/models"
)

// Interface is the persistence surface the engine and safety monitor use.
// Mutating calls write through to disk before returning.
type Interface interface {
	GetEngineState() models.EngineState
	SetEngineState(state models.EngineState) error

	GetCurrentCampaign() *models.Campaign
	SetCurrentCampaign(c *models.Campaign) error
	CloseCampaign(finalPnL float64) error

	NextSequence() (int, error)
	GetHistory() []models.Campaign

	GetSafetyState() models.SafetyState
	SetSafetyState(s models.SafetyState) error

	GetMetrics() models.Metrics
	UpdateMetrics(fn func(*models.Metrics)) error
}

const (
	stateFileName   = "state.json"
	safetyFileName  = "safety.json"
	metricsFileName = "metrics.json"
)

// stateData is the main state file layout.
type stateData struct {
	EngineState     models.EngineState `json:"engine_state"`
	CurrentCampaign *models.Campaign   `json:"current_campaign"`
	Sequence        int                `json:"sequence"`
	History         []models.Campaign  `json:"history"`
	LastUpdated     time.Time          `json:"last_updated"`
}

// Store is the JSON-file implementation of Interface. The safety state and
// metrics live in their own files so an operator can inspect or reset them
// without touching campaign state.
type Store struct {
	mu          sync.RWMutex
	stateFile   string
	safetyFile  string
	metricsFile string

	state   stateData
	safety  models.SafetyState
	metrics models.Metrics
}

// NewStore opens (or creates) the store rooted at dir, loading any existing
// files.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}

	s := &Store{
		stateFile:   filepath.Join(dir, stateFileName),
		safetyFile:  filepath.Join(dir, safetyFileName),
		metricsFile: filepath.Join(dir, metricsFileName),
		state:       stateData{EngineState: models.StateIdle},
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading storage: %w", err)
	}

	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := loadJSON(s.stateFile, &s.state); err != nil {
		return err
	}
	if s.state.EngineState == "" {
		s.state.EngineState = models.StateIdle
	}
	if err := loadJSON(s.safetyFile, &s.safety); err != nil {
		return err
	}
	return loadJSON(s.metricsFile, &s.metrics)
}

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// saveJSON writes to a temp file then renames, so a crash mid-write never
// leaves a truncated file behind.
func saveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, path)
}

func (s *Store) saveStateLocked() error {
	s.state.LastUpdated = time.Now().UTC()
	return saveJSON(s.stateFile, &s.state)
}

// GetEngineState returns the persisted engine state.
func (s *Store) GetEngineState() models.EngineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.EngineState
}

// SetEngineState persists a new engine state.
func (s *Store) SetEngineState(state models.EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.EngineState = state
	return s.saveStateLocked()
}

// GetCurrentCampaign returns a copy of the open campaign, or nil.
func (s *Store) GetCurrentCampaign() *models.Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.CurrentCampaign == nil {
		return nil
	}
	c := *s.state.CurrentCampaign
	if s.state.CurrentCampaign.Protective != nil {
		p := *s.state.CurrentCampaign.Protective
		c.Protective = &p
	}
	if s.state.CurrentCampaign.Income != nil {
		i := *s.state.CurrentCampaign.Income
		c.Income = &i
	}
	return &c
}

// SetCurrentCampaign persists the open campaign (nil clears it).
func (s *Store) SetCurrentCampaign(c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CurrentCampaign = c
	return s.saveStateLocked()
}

// CloseCampaign moves the open campaign to history and folds its realized
// P&L into the metrics file.
func (s *Store) CloseCampaign(finalPnL float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.CurrentCampaign == nil {
		return fmt.Errorf("no campaign to close")
	}

	s.state.History = append(s.state.History, *s.state.CurrentCampaign)
	s.state.CurrentCampaign = nil

	s.metrics.RecordCampaignClose(finalPnL)
	if err := saveJSON(s.metricsFile, &s.metrics); err != nil {
		return err
	}
	return s.saveStateLocked()
}

// NextSequence returns the next campaign sequence number, persisting the
// counter.
func (s *Store) NextSequence() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Sequence++
	if err := s.saveStateLocked(); err != nil {
		return 0, err
	}
	return s.state.Sequence, nil
}

// GetHistory returns a copy of closed campaigns, oldest first.
func (s *Store) GetHistory() []models.Campaign {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Campaign, len(s.state.History))
	copy(out, s.state.History)
	return out
}

// GetSafetyState returns the persisted circuit-breaker record.
func (s *Store) GetSafetyState() models.SafetyState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.safety
}

// SetSafetyState persists the circuit-breaker record.
func (s *Store) SetSafetyState(st models.SafetyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safety = st
	return saveJSON(s.safetyFile, &s.safety)
}

// GetMetrics returns a copy of the performance metrics.
func (s *Store) GetMetrics() models.Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// UpdateMetrics applies fn to the metrics under the lock and persists the
// result.
func (s *Store) UpdateMetrics(fn func(*models.Metrics)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.metrics)
	return saveJSON(s.metricsFile, &s.metrics)
}

// Ensure Store implements Interface at compile time.
var _ Interface = (*Store)(nil)
