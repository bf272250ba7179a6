/*
Package escalation moves approvals that stall past a threshold.

SWEEP:
  1. Load settings, writing defaults on first use.
  2. For every open approval (PENDING, lower levels approved) compute its
     age from the latest of: request creation, previous level's decision,
     last escalation.
  3. Past the level's threshold, either reassign the approval one rung up
     the ladder or send ACTION_REQUIRED to the approver and their superior.
  4. Record the escalation with a conditional update so concurrent sweeps
     escalate each approval once.

LADDER:
  fixed approver -> department director -> HR slot -> EXECUTIVE slot
  At the top of the ladder a reassign degrades to a notification.

Per-item failures are collected into the SweepReport; the sweep always
finishes.
*/
package escalation

import (
	"context"
	"fmt"
	"time"
)

type Action string

const (
	ActionReassign Action = "REASSIGN"
	ActionNotify   Action = "NOTIFY"
)

func (a Action) Valid() bool { return a == ActionReassign || a == ActionNotify }

// Setting is the escalation rule for one approval level.
type Setting struct {
	Level     int
	Threshold time.Duration
	Action    Action
	// MaxEscalations caps how many times one approval is escalated. Zero means unlimited.
	MaxEscalations int
	Enabled        bool
	UpdatedAt      time.Time
}

func (s Setting) Validate() error {
	if s.Level < 1 {
		return fmt.Errorf("escalation level must be >= 1, got %d", s.Level)
	}
	if s.Threshold <= 0 {
		return fmt.Errorf("escalation threshold for level %d must be positive", s.Level)
	}
	if !s.Action.Valid() {
		return fmt.Errorf("escalation action %q for level %d is not REASSIGN or NOTIFY", s.Action, s.Level)
	}
	if s.MaxEscalations < 0 {
		return fmt.Errorf("max escalations for level %d must be >= 0", s.Level)
	}
	return nil
}

// DefaultSettings: level 1 reassigned after 48h, level 2 nudged after 72h.
func DefaultSettings() []Setting {
	return []Setting{
		{Level: 1, Threshold: 48 * time.Hour, Action: ActionReassign, MaxEscalations: 3, Enabled: true},
		{Level: 2, Threshold: 72 * time.Hour, Action: ActionNotify, MaxEscalations: 3, Enabled: true},
	}
}

// SettingsStore persists settings.
type SettingsStore interface {
	ListEscalationSettings(ctx context.Context) ([]Setting, error)
	SaveEscalationSettings(ctx context.Context, settings []Setting) error
}

// LoadSettings returns persisted settings keyed by level, writing defaults
// when none exist yet.
func LoadSettings(ctx context.Context, store SettingsStore, defaults []Setting, now time.Time) (map[int]Setting, error) {
	settings, err := store.ListEscalationSettings(ctx)
	if err != nil {
		return nil, err
	}
	if len(settings) == 0 {
		settings = make([]Setting, len(defaults))
		for i, d := range defaults {
			if err := d.Validate(); err != nil {
				return nil, err
			}
			d.UpdatedAt = now
			settings[i] = d
		}
		if err := store.SaveEscalationSettings(ctx, settings); err != nil {
			return nil, fmt.Errorf("initializing escalation settings: %w", err)
		}
	}
	byLevel := make(map[int]Setting, len(settings))
	for _, s := range settings {
		byLevel[s.Level] = s
	}
	return byLevel, nil
}
