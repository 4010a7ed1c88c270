package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Store defines the contract for pass-report persistence.
//
// Implementations must be safe for concurrent use: the decision loop writes
// while the dashboard reads.
type Store interface {
	AppendReport(r *PassReport) error
	LatestReport() *PassReport
	GetReports() []PassReport
	GetStatistics() *Statistics
	Save() error
	Load() error
}

// NewStore creates a new store implementation (currently JSON-based).
func NewStore(filepath string, historyLimit int) (Store, error) {
	return NewJSONStore(filepath, historyLimit)
}

// Ensure JSONStore implements Store.
var _ Store = (*JSONStore)(nil)

// JSONStore persists reports to a single JSON file with atomic writes.
type JSONStore struct {
	mu           sync.RWMutex
	filepath     string
	historyLimit int
	data         *storeData
}

type storeData struct {
	Reports     []PassReport `json:"reports"`
	Statistics  *Statistics  `json:"statistics"`
	LastUpdated time.Time    `json:"last_updated"`
}

// NewJSONStore creates a JSON file store, loading existing data if the file
// is already present.
func NewJSONStore(filepath string, historyLimit int) (*JSONStore, error) {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	s := &JSONStore{
		filepath:     filepath,
		historyLimit: historyLimit,
		data: &storeData{
			Statistics: &Statistics{},
		},
	}

	if _, err := os.Stat(filepath); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading report store: %w", err)
		}
	}

	return s, nil
}

// Load reads the store file from disk.
func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.data); err != nil {
		return err
	}
	if s.data.Statistics == nil {
		s.data.Statistics = &Statistics{}
	}

	return nil
}

// Save writes the store to disk via a temp file and atomic rename.
func (s *JSONStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStore) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpFile, s.filepath)
}

// AppendReport records a completed pass, updates statistics, trims history
// to the configured limit, and persists.
func (s *JSONStore) AppendReport(r *PassReport) error {
	if r == nil {
		return fmt.Errorf("nil report")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Reports = append(s.data.Reports, *r)
	if len(s.data.Reports) > s.historyLimit {
		s.data.Reports = s.data.Reports[len(s.data.Reports)-s.historyLimit:]
	}

	stats := s.data.Statistics
	stats.TotalPasses++
	stats.ViolationsFound += len(r.Violations)
	stats.LastPassAt = r.Timestamp
	for i := range r.Results {
		stats.InstructionsPlanned++
		switch r.Results[i].Status {
		case StatusSubmitted:
			stats.InstructionsExecuted++
		case StatusFailed:
			stats.InstructionsFailed++
		}
		if r.Results[i].AtRisk {
			stats.AtRiskExits++
		}
	}

	return s.saveLocked()
}

// LatestReport returns the most recent pass report, or nil if none exist.
func (s *JSONStore) LatestReport() *PassReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data.Reports) == 0 {
		return nil
	}
	r := s.data.Reports[len(s.data.Reports)-1]
	return &r
}

// GetReports returns a copy of the stored pass history, oldest first.
func (s *JSONStore) GetReports() []PassReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PassReport, len(s.data.Reports))
	copy(out, s.data.Reports)
	return out
}

// GetStatistics returns a copy of the running statistics.
func (s *JSONStore) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := *s.data.Statistics
	return &stats
}
