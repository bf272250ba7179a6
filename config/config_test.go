package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/escalation"
	"github.com/warp/leave-engine/generic"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEAVE_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "leave.db", cfg.Database.Path)
	assert.Equal(t, 6*time.Hour, cfg.Escalation.Interval)
	assert.Equal(t, 24*time.Hour, cfg.YearEnd.Interval)
	assert.Equal(t, "300-M", cfg.Server.RateLimit)
	assert.Equal(t, []string{"MANAGER"}, cfg.Routing.SecondLevelRoles)
	assert.Empty(t, cfg.Notify.KafkaBrokers)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: a YAML file setting the database and log level
	// AND: an environment override of the log level and brokers
	// THEN: the environment wins where both are set
	path := writeFile(t, `
database:
  path: /var/lib/leave/leave.db
auth:
  jwt_secret: from-file
log:
  level: debug
  format: text
escalation:
  level1_threshold: 24h
`)
	t.Setenv("LEAVE_LOG_LEVEL", "warn")
	t.Setenv("LEAVE_NOTIFY_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/var/lib/leave/leave.db", cfg.Database.Path)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.KafkaBrokers)
	assert.Equal(t, 24*time.Hour, cfg.Escalation.Level1Threshold)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidValuesReportedTogether(t *testing.T) {
	path := writeFile(t, `
log:
  level: chatty
server:
  rate_limit: lots
routing:
  second_level_roles: [INTERN]
`)

	_, err := Load(path)

	require.ErrorIs(t, err, generic.ErrConfiguration)
	msg := err.Error()
	assert.Contains(t, msg, "auth.jwt_secret")
	assert.Contains(t, msg, "log.level")
	assert.Contains(t, msg, "server.rate_limit")
	assert.Contains(t, msg, "INTERN")
}

func TestEscalationSettings(t *testing.T) {
	e := EscalationConfig{Level1Threshold: time.Hour, Level2Threshold: 2 * time.Hour, MaxEscalations: 2}

	settings := e.Settings()

	require.Len(t, settings, 2)
	assert.Equal(t, escalation.ActionReassign, settings[0].Action)
	assert.Equal(t, escalation.ActionNotify, settings[1].Action)
	assert.Equal(t, 2*time.Hour, settings[1].Threshold)
	for _, s := range settings {
		assert.NoError(t, s.Validate())
	}
}

func TestRoutingPolicy(t *testing.T) {
	p := RoutingConfig{SecondLevelRoles: []string{"MANAGER", "HR"}}.Policy()
	assert.Equal(t, []generic.Role{generic.RoleManager, generic.RoleHR}, p.SecondLevelRoles)
}
