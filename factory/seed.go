/*
Package factory turns YAML seed files into catalog and directory entries.

PURPOSE:
  The engine reads leave types and users but never administers them. A seed
  file lets operators describe both in one place; the factory validates it
  and writes it through the store's upsert methods.

YAML SCHEMA:
  leave_types:
    - id: annual
      code: AL
      name: Annual leave
      category: LEAVE            # LEAVE (default) or WFH
      days_allowed: 21
      carry_forward: true
      max_carry_forward: 5
      requires_approval: true    # default true
      requires_document: false
      requires_second_level: false
      tracks_balance: true       # default true, always false for WFH
  users:
    - id: alice
      name: Alice
      email: alice@example.com
      role: MANAGER
      manager: bob               # must be another seeded user
      director: carol
      department: Engineering
      joined: 2021-04-01
      active: true               # default true

VALIDATION:
  Every problem in the file is reported at once, wrapped in
  generic.ErrConfiguration. Manager chains must not loop.

SEE ALSO:
  - presets.go: built-in leave types
  - store/sqlite/directory.go: UpsertUser, UpsertLeaveType
*/
package factory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type Seed struct {
	LeaveTypes []LeaveTypeYAML `yaml:"leave_types"`
	Users      []UserYAML      `yaml:"users"`
}

type LeaveTypeYAML struct {
	ID                  string  `yaml:"id"`
	Code                string  `yaml:"code"`
	Name                string  `yaml:"name"`
	Category            string  `yaml:"category,omitempty"`
	DaysAllowed         float64 `yaml:"days_allowed"`
	CarryForward        bool    `yaml:"carry_forward,omitempty"`
	MaxCarryForward     float64 `yaml:"max_carry_forward,omitempty"`
	RequiresApproval    *bool   `yaml:"requires_approval,omitempty"`
	RequiresDocument    bool    `yaml:"requires_document,omitempty"`
	RequiresSecondLevel bool    `yaml:"requires_second_level,omitempty"`
	TracksBalance       *bool   `yaml:"tracks_balance,omitempty"`
}

type UserYAML struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Email      string `yaml:"email,omitempty"`
	Role       string `yaml:"role"`
	Manager    string `yaml:"manager,omitempty"`
	Director   string `yaml:"director,omitempty"`
	Department string `yaml:"department,omitempty"`
	Joined     string `yaml:"joined,omitempty"`
	Active     *bool  `yaml:"active,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// Parse decodes a seed document. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func Parse(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Seed
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse seed YAML: %v", generic.ErrConfiguration, err)
	}
	return &s, nil
}

func ParseFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Build validates the seed and converts it to domain values.
func (s *Seed) Build() ([]generic.LeaveType, []generic.User, error) {
	var errs *multierror.Error

	types := make([]generic.LeaveType, 0, len(s.LeaveTypes))
	seenTypes := make(map[string]bool, len(s.LeaveTypes))
	for i, lj := range s.LeaveTypes {
		lt, err := leaveTypeFromYAML(lj)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("leave_types[%d]: %w", i, err))
			continue
		}
		if seenTypes[lj.ID] {
			errs = multierror.Append(errs, fmt.Errorf("leave_types[%d]: duplicate id %q", i, lj.ID))
			continue
		}
		seenTypes[lj.ID] = true
		types = append(types, lt)
	}

	users := make([]generic.User, 0, len(s.Users))
	byID := make(map[generic.UserID]generic.User, len(s.Users))
	for i, uj := range s.Users {
		u, err := userFromYAML(uj)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("users[%d]: %w", i, err))
			continue
		}
		if _, dup := byID[u.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("users[%d]: duplicate id %q", i, u.ID))
			continue
		}
		byID[u.ID] = u
		users = append(users, u)
	}
	for _, u := range users {
		if u.HasManager() {
			if _, ok := byID[u.ManagerID]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("user %s: unknown manager %q", u.ID, u.ManagerID))
			}
		}
		if u.HasDirector() {
			if _, ok := byID[u.DepartmentDirectorID]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("user %s: unknown director %q", u.ID, u.DepartmentDirectorID))
			}
		}
	}
	if err := checkManagerCycles(users, byID); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", generic.ErrConfiguration, err)
	}
	return types, users, nil
}

func leaveTypeFromYAML(lj LeaveTypeYAML) (generic.LeaveType, error) {
	if lj.ID == "" || lj.Name == "" {
		return generic.LeaveType{}, errors.New("id and name are required")
	}
	category := generic.LeaveCategory(lj.Category)
	if category == "" {
		category = generic.CategoryLeave
	}
	if category != generic.CategoryLeave && category != generic.CategoryWFH {
		return generic.LeaveType{}, fmt.Errorf("unknown category %q", lj.Category)
	}
	if lj.DaysAllowed < 0 || lj.MaxCarryForward < 0 {
		return generic.LeaveType{}, errors.New("day amounts must not be negative")
	}
	if lj.MaxCarryForward > 0 && !lj.CarryForward {
		return generic.LeaveType{}, errors.New("max_carry_forward set without carry_forward")
	}

	lt := generic.LeaveType{
		ID:                  generic.LeaveTypeID(lj.ID),
		Code:                lj.Code,
		Name:                lj.Name,
		Category:            category,
		DaysAllowed:         generic.RoundHalfDay(decimal.NewFromFloat(lj.DaysAllowed)),
		CarryForward:        lj.CarryForward,
		MaxCarryForward:     generic.RoundHalfDay(decimal.NewFromFloat(lj.MaxCarryForward)),
		RequiresApproval:    boolOr(lj.RequiresApproval, true),
		RequiresDocument:    lj.RequiresDocument,
		RequiresSecondLevel: lj.RequiresSecondLevel,
		TracksBalance:       boolOr(lj.TracksBalance, true),
	}
	if lt.IsWFH() {
		lt.TracksBalance = false
		lt.CarryForward = false
		lt.MaxCarryForward = decimal.Zero
	}
	return lt, nil
}

func userFromYAML(uj UserYAML) (generic.User, error) {
	if uj.ID == "" || uj.Name == "" {
		return generic.User{}, errors.New("id and name are required")
	}
	role := generic.Role(uj.Role)
	if !role.Valid() {
		return generic.User{}, fmt.Errorf("unknown role %q", uj.Role)
	}
	u := generic.User{
		ID:                   generic.UserID(uj.ID),
		Name:                 uj.Name,
		Email:                uj.Email,
		Role:                 role,
		ManagerID:            generic.UserID(uj.Manager),
		DepartmentDirectorID: generic.UserID(uj.Director),
		Department:           uj.Department,
		IsActive:             boolOr(uj.Active, true),
	}
	if u.ManagerID == u.ID {
		return generic.User{}, errors.New("user cannot manage themselves")
	}
	if uj.Joined != "" {
		joined, err := generic.ParseDate(uj.Joined)
		if err != nil {
			return generic.User{}, fmt.Errorf("joined: %w", err)
		}
		u.JoinedAt = joined
	}
	return u, nil
}

// checkManagerCycles walks every manager chain; a chain longer than the
// user count must revisit someone.
func checkManagerCycles(users []generic.User, byID map[generic.UserID]generic.User) error {
	for _, start := range users {
		cur := start
		for steps := 0; cur.HasManager(); steps++ {
			if steps > len(users) {
				return fmt.Errorf("manager chain of %s loops", start.ID)
			}
			next, ok := byID[cur.ManagerID]
			if !ok {
				break
			}
			cur = next
		}
	}
	return nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// =============================================================================
// APPLY
// =============================================================================

// Target receives seeded entries. *sqlite.Store implements it.
type Target interface {
	UpsertLeaveType(ctx context.Context, lt generic.LeaveType) error
	UpsertUser(ctx context.Context, u generic.User) error
}

type Result struct {
	LeaveTypes int `json:"leaveTypes"`
	Users      int `json:"users"`
}

// Apply validates the seed and upserts it, leave types first.
func (s *Seed) Apply(ctx context.Context, t Target) (Result, error) {
	types, users, err := s.Build()
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, lt := range types {
		if err := t.UpsertLeaveType(ctx, lt); err != nil {
			return res, fmt.Errorf("leave type %s: %w", lt.ID, err)
		}
		res.LeaveTypes++
	}
	for _, u := range users {
		if err := t.UpsertUser(ctx, u); err != nil {
			return res, fmt.Errorf("user %s: %w", u.ID, err)
		}
		res.Users++
	}
	return res, nil
}
