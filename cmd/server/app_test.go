package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/config"
	"github.com/warp/leave-engine/factory"
	"github.com/warp/leave-engine/generic"
)

func TestNewApp_WiresEngine(t *testing.T) {
	// GIVEN: an in-memory database and no brokers
	// WHEN: the engine is wired
	// THEN: a seeded user can read their balances
	log, _ := test.NewNullLogger()
	cfg := &config.Config{
		Database:   config.DatabaseConfig{Path: ":memory:"},
		Routing:    config.RoutingConfig{SecondLevelRoles: []string{"MANAGER"}},
		Escalation: config.EscalationConfig{Level1Threshold: 48 * time.Hour, Level2Threshold: 72 * time.Hour, MaxEscalations: 3},
		Notify:     config.NotifyConfig{DedupeTTL: time.Hour},
	}

	a, err := newApp(cfg, log)
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	ctx := context.Background()
	seed := factory.DefaultCatalog()
	seed.Users = []factory.UserYAML{{ID: "emp", Name: "Employee", Role: "EMPLOYEE"}}
	_, err = seed.Apply(ctx, a.store)
	require.NoError(t, err)

	balances, err := a.ledger.GetBalances(ctx, generic.UserID("emp"), time.Now().UTC().Year())
	require.NoError(t, err)
	assert.NotEmpty(t, balances)

	report, err := a.sweeper.RunSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
}

func TestSeedCommand_Defaults(t *testing.T) {
	t.Setenv("LEAVE_AUTH_JWT_SECRET", "secret")
	t.Setenv("LEAVE_DATABASE_PATH", ":memory:")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"seed", "--defaults"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		seedDefaults = false
	})

	require.NoError(t, rootCmd.Execute())

	var res factory.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 5, res.LeaveTypes)
	assert.Zero(t, res.Users)
}
