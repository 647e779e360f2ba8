// Package state persists per-stage progress of the current run so a failed
// run can be inspected and individual stages re-run.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageBronze  Stage = "bronze"
	StageSilver  Stage = "silver"
	StageGold    Stage = "gold"
	StageML      Stage = "ml"
	StagePublish Stage = "publish"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageBronze, StageSilver, StageGold, StageML, StagePublish}

// Stage statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// historyLimit bounds the runs kept in History.
const historyLimit = 20

// State holds the progress of the current run and a short run history.
type State struct {
	RunID       string               `yaml:"run_id,omitempty"`
	AttemptID   string               `yaml:"attempt_id,omitempty"`
	RunDate     string               `yaml:"run_date,omitempty"`
	LastUpdated time.Time            `yaml:"last_updated"`
	Stages      map[Stage]StageState `yaml:"stages,omitempty"`
	History     []RunRecord          `yaml:"history,omitempty"`
}

// StageState tracks a single stage of the current run.
type StageState struct {
	Status      string    `yaml:"status"`
	AttemptID   string    `yaml:"attempt_id,omitempty"`
	StartedAt   time.Time `yaml:"started_at,omitempty"`
	CompletedAt time.Time `yaml:"completed_at,omitempty"`
	Tables      []string  `yaml:"tables,omitempty"`
	Error       string    `yaml:"error,omitempty"`
}

// RunRecord summarises a finished run.
type RunRecord struct {
	RunID      string    `yaml:"run_id"`
	AttemptID  string    `yaml:"attempt_id"`
	Status     string    `yaml:"status"`
	FinishedAt time.Time `yaml:"finished_at"`
	ReportPath string    `yaml:"report_path,omitempty"`
}

// Load reads the state file. A missing file yields a fresh state.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	s := &State{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if s.Stages == nil {
		s.Stages = make(map[Stage]StageState)
	}
	return s, nil
}

// Save writes the state file.
func (s *State) Save(path string) error {
	s.LastUpdated = time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// New creates an empty state.
func New() *State {
	return &State{
		LastUpdated: time.Now(),
		Stages:      make(map[Stage]StageState),
	}
}

// Begin switches the state to a run attempt. Stage progress is kept when
// runID is unchanged so single stages can be resumed.
func (s *State) Begin(runID, attemptID, runDate string) {
	if s.RunID != runID {
		s.Stages = make(map[Stage]StageState)
	}
	s.RunID = runID
	s.AttemptID = attemptID
	s.RunDate = runDate
}

// StartStage marks a stage as running.
func (s *State) StartStage(stage Stage) {
	s.Stages[stage] = StageState{Status: StatusRunning, AttemptID: s.AttemptID, StartedAt: time.Now()}
}

// CompleteStage marks a stage complete with the tables it committed.
func (s *State) CompleteStage(stage Stage, tables []string) {
	ss := s.Stages[stage]
	ss.Status = StatusComplete
	ss.AttemptID = s.AttemptID
	ss.CompletedAt = time.Now()
	ss.Tables = tables
	ss.Error = ""
	s.Stages[stage] = ss
}

// FailStage marks a stage failed. Tables committed by an earlier attempt
// are forgotten.
func (s *State) FailStage(stage Stage, err error) {
	ss := s.Stages[stage]
	ss.Status = StatusFailed
	ss.AttemptID = s.AttemptID
	ss.CompletedAt = time.Now()
	ss.Tables = nil
	if err != nil {
		ss.Error = err.Error()
	}
	s.Stages[stage] = ss
}

// SkipStage marks a stage skipped.
func (s *State) SkipStage(stage Stage) {
	s.Stages[stage] = StageState{Status: StatusSkipped, AttemptID: s.AttemptID}
}

// IsStageComplete returns true if the stage completed for the current run.
func (s *State) IsStageComplete(stage Stage) bool {
	ss, ok := s.Stages[stage]
	return ok && ss.Status == StatusComplete
}

// CommittedTables returns the tables committed by the given stages, in
// stage order.
func (s *State) CommittedTables(stages ...Stage) []string {
	var out []string
	for _, st := range stages {
		if s.IsStageComplete(st) {
			out = append(out, s.Stages[st].Tables...)
		}
	}
	return out
}

// Finish appends the current run to History.
func (s *State) Finish(status, reportPath string) {
	s.History = append(s.History, RunRecord{
		RunID:      s.RunID,
		AttemptID:  s.AttemptID,
		Status:     status,
		FinishedAt: time.Now(),
		ReportPath: reportPath,
	})
	if len(s.History) > historyLimit {
		s.History = s.History[len(s.History)-historyLimit:]
	}
}

// LastRun returns the most recent finished run.
func (s *State) LastRun() (RunRecord, bool) {
	if len(s.History) == 0 {
		return RunRecord{}, false
	}
	return s.History[len(s.History)-1], true
}
