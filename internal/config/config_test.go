package config

import (
	"os"
	"path/filepath"
	"testing"

	"dario.cat/mergo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("harbor")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "harbor", cfg.Portfolio.ID)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/v0", cfg.Server.BasePath)

	cat, err := cfg.Catalog()
	require.NoError(t, err)
	permit, err := cat.Lookup("permit-submission")
	require.NoError(t, err)
	assert.Equal(t, []domain.ProcessType{"entitlement-preparation"}, permit.Prerequisites)

	rs, err := cfg.RuleSet()
	require.NoError(t, err)
	assert.NotEmpty(t, rs.Rules())

	assert.ElementsMatch(t, AllPermissions, cfg.RBAC.Roles["owner"].Permissions)
	assert.True(t, cfg.SubtypeAllowed("retail"))
	assert.False(t, cfg.SubtypeAllowed("parking"))
}

const minimal = `portfolio:
  id: small
processes:
  - type: site-assessment
    name: Site assessment
rules:
  - dimension: lifecyclePhase
    from: intake
    to: feasibility
    conditions:
      - {kind: process-completed, process: site-assessment}
`

func TestFromYAMLAppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.True(t, cfg.SubtypeAllowed("anything"))
	assert.ElementsMatch(t, AllPermissions, cfg.Roles()["owner"].Permissions)

	cfg, err = FromYAML([]byte(minimal + "logging:\n  level: debug\n  format: json\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestFromYAMLRejects(t *testing.T) {
	cases := map[string]string{
		"missing portfolio": `processes: [{type: a, name: A}]`,
		"no processes":      "portfolio: {id: x}\n",
		"bad log level":     "portfolio: {id: x}\nlogging: {level: loud}\nprocesses: [{type: a, name: A}]\n",
		"bad log format":    "portfolio: {id: x}\nlogging: {format: xml}\nprocesses: [{type: a, name: A}]\n",
		"unknown subtype":   "portfolio: {id: x, subtypes: [retail]}\nprocesses: [{type: a, name: A, applicable_subtypes: [office]}]\n",
		"unknown prereq":    "portfolio: {id: x}\nprocesses: [{type: a, name: A, prerequisites: [b]}]\n",
		"rbac without owner": "portfolio: {id: x}\nprocesses: [{type: a, name: A}]\n" +
			"rbac: {roles: {viewer: {permissions: [property.read]}}}\n",
		"webhook without url": "portfolio: {id: x}\nprocesses: [{type: a, name: A}]\nwebhooks: [{secret: s}]\n",
		"bad yaml":            "portfolio: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFromYAMLRejectsAmbiguousRules(t *testing.T) {
	doc := minimal + `  - dimension: lifecyclePhase
    from: intake
    to: entitlement
    conditions:
      - {kind: process-completed, process: site-assessment}
`
	_, err := FromYAML([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAmbiguousTransition)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault("bayside")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "bayside", cfg.Portfolio.ID)
}

func TestMarshalReloads(t *testing.T) {
	data, err := Default("harbor").Marshal()
	require.NoError(t, err)
	cfg, err := FromYAML(data)
	require.NoError(t, err)
	want, err := Default("harbor").Catalog()
	require.NoError(t, err)
	got, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, want.Definitions(), got.Definitions())
	rs, err := cfg.RuleSet()
	require.NoError(t, err)
	assert.Len(t, rs.Rules(), len(Default("harbor").Rules))
}

func TestWithDefaultsReportsMergeErrors(t *testing.T) {
	logging := LoggingConfig{Format: "json"}
	require.NoError(t, withDefaults("logging", &logging, LoggingConfig{Level: "warn", Format: "console"}))
	assert.Equal(t, LoggingConfig{Level: "warn", Format: "json"}, logging)

	err := withDefaults("logging", LoggingConfig{}, LoggingConfig{Level: "warn"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mergo.ErrNonPointerArgument)
	assert.Contains(t, err.Error(), "config.logging")

	err = withDefaults("server", &ServerConfig{}, LoggingConfig{})
	assert.ErrorIs(t, err, mergo.ErrDifferentArgumentsTypes)
}
