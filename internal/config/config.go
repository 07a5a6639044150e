package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"propline/internal/catalog"
	"propline/internal/domain"
	"propline/internal/rules"
)

const FileName = "propline.yml"

// Config models propline.yml.
type Config struct {
	Portfolio struct {
		ID       string   `yaml:"id"`
		Subtypes []string `yaml:"subtypes"`
	} `yaml:"portfolio"`
	Logging   LoggingConfig              `yaml:"logging"`
	Server    ServerConfig               `yaml:"server"`
	Webhooks  []WebhookConfig            `yaml:"webhooks"`
	RBAC      RBACConfig                 `yaml:"rbac"`
	Processes []domain.ProcessDefinition `yaml:"processes"`
	Rules     []rules.Rule               `yaml:"rules"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type RBACConfig struct {
	Roles map[string]RBACRole `yaml:"roles"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Permissions checked by the engine and the HTTP API.
const (
	PermPropertyCreate    = "property.create"
	PermPropertyRead      = "property.read"
	PermProcessStart      = "process.start"
	PermProcessComplete   = "process.complete"
	PermProcessBlock      = "process.block"
	PermTransitionRequest = "transition.request"
	PermEventsRead        = "events.read"
	PermRBACManage        = "rbac.manage"
)

const (
	defaultLogLevel       = "info"
	defaultLogFormat      = "console"
	defaultServerAddr     = "127.0.0.1:8080"
	defaultServerBasePath = "/v0"
	defaultPortfolioID    = "portfolio"
)

// AllPermissions lists every permission id, owner holds them all.
var AllPermissions = []string{
	PermPropertyCreate,
	PermPropertyRead,
	PermProcessStart,
	PermProcessComplete,
	PermProcessBlock,
	PermTransitionRequest,
	PermEventsRead,
	PermRBACManage,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(portfolioID string) string {
	return fmt.Sprintf(defaultTemplate, portfolioID)
}

// Default returns the built-in configuration for a portfolio.
func Default(portfolioID string) *Config {
	if portfolioID == "" {
		portfolioID = defaultPortfolioID
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(portfolioID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	if err := cfg.applyDefaults(); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset logging
// and server fields take their defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() error {
	if err := withDefaults("logging", &c.Logging, LoggingConfig{Level: defaultLogLevel, Format: defaultLogFormat}); err != nil {
		return err
	}
	return withDefaults("server", &c.Server, ServerConfig{Addr: defaultServerAddr, BasePath: defaultServerBasePath})
}

// withDefaults fills the zero fields of dst, a pointer to a config section.
func withDefaults(section string, dst, defaults any) error {
	if err := mergo.Merge(dst, defaults); err != nil {
		return fmt.Errorf("config.%s defaults: %w", section, err)
	}
	return nil
}

// Validate ensures the config meets required structure. The process catalog
// and rule set are fully built, so an ambiguous rule set fails here rather
// than at request time.
func (c *Config) Validate() error {
	if c.Portfolio.ID == "" {
		return fmt.Errorf("config.portfolio.id is required")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config.logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config.logging.format must be console or json")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if len(c.Processes) == 0 {
		return fmt.Errorf("config.processes is required")
	}
	if len(c.Portfolio.Subtypes) > 0 {
		known := make(map[string]bool, len(c.Portfolio.Subtypes))
		for _, s := range c.Portfolio.Subtypes {
			if s == "" {
				return fmt.Errorf("config.portfolio.subtypes contains empty subtype")
			}
			known[s] = true
		}
		for _, p := range c.Processes {
			for _, s := range p.ApplicableSubtypes {
				if !known[s] {
					return fmt.Errorf("process %s applies to unknown subtype %s", p.Type, s)
				}
			}
		}
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("config.processes: %w", err)
	}
	if _, err := c.RuleSet(); err != nil {
		return fmt.Errorf("config.rules: %w", err)
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Roles returns the configured roles. Without an rbac section a single
// owner role holding every permission is used.
func (c *Config) Roles() map[string]RBACRole {
	if len(c.RBAC.Roles) > 0 {
		return c.RBAC.Roles
	}
	return map[string]RBACRole{
		"owner": {Description: "Full access", Permissions: append([]string(nil), AllPermissions...)},
	}
}

// Catalog builds the process catalog.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	return catalog.New(c.Processes)
}

// RuleSet builds the validated transition rules.
func (c *Config) RuleSet() (*rules.RuleSet, error) {
	return rules.NewRuleSet(c.Rules)
}

// SubtypeAllowed reports whether subtype may be used for a new property. An
// empty subtype list allows any value.
func (c *Config) SubtypeAllowed(subtype string) bool {
	if len(c.Portfolio.Subtypes) == 0 {
		return true
	}
	for _, s := range c.Portfolio.Subtypes {
		if s == subtype {
			return true
		}
	}
	return false
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `portfolio:
  id: %s
  subtypes: [retail, multifamily, industrial, mixed-use]

logging:
  level: info
  format: console

server:
  addr: 127.0.0.1:8080
  base_path: /v0

rbac:
  roles:
    owner:
      description: "Full access"
      permissions: [property.create, property.read, process.start, process.complete, process.block, transition.request, events.read, rbac.manage]
    manager:
      description: "Runs processes and requests transitions"
      permissions: [property.create, property.read, process.start, process.complete, process.block, transition.request, events.read]
    analyst:
      description: "Completes assigned work"
      permissions: [property.read, process.start, process.complete, process.block]
    viewer:
      description: "Read only"
      permissions: [property.read, events.read]

processes:
  - type: site-assessment
    name: Site assessment
    description: "Walk the parcel, confirm boundaries and access"
    estimated_duration_days: 10
    expected_output_keys: [parcel-id]
    impacts:
      - dimension: lifecyclePhase
        description: "moves intake to feasibility"
  - type: title-search
    name: Title search
    estimated_duration_days: 7
    expected_output_keys: [title-status]
  - type: feasibility-analysis
    name: Feasibility analysis
    description: "Pro forma, market fit and go/no-go recommendation"
    estimated_duration_days: 30
    prerequisites: [site-assessment]
    expected_output_keys: [recommendation, irr]
    impacts:
      - dimension: lifecyclePhase
        description: "moves feasibility to entitlement on a proceed recommendation"
  - type: market-study
    name: Market study
    estimated_duration_days: 21
    prerequisites: [site-assessment]
  - type: environmental-review
    name: Environmental review
    estimated_duration_days: 45
    prerequisites: [site-assessment]
    expected_output_keys: [finding]
    impacts:
      - dimension: riskScore
        description: "scores an unscored property from the finding"
  - type: funding-review
    name: Funding review
    estimated_duration_days: 10
    expected_output_keys: [decision]
    impacts:
      - dimension: activityStatus
        description: "a negative decision usually leads to a manual pause or hold"
  - type: design-review
    name: Design review
    estimated_duration_days: 14
    prerequisites: [feasibility-analysis]
    applicable_subtypes: [multifamily, mixed-use]
  - type: entitlement-preparation
    name: Entitlement preparation
    estimated_duration_days: 45
    prerequisites: [feasibility-analysis]
    expected_output_keys: [zoning-case]
  - type: permit-submission
    name: Permit submission
    estimated_duration_days: 60
    prerequisites: [entitlement-preparation]
    expected_output_keys: [decision]
    impacts:
      - dimension: approvalState
        description: "set from the permit decision"
  - type: construction-kickoff
    name: Construction kickoff
    estimated_duration_days: 5
    prerequisites: [permit-submission]
    impacts:
      - dimension: lifecyclePhase
        description: "moves an approved entitlement to construction"
  - type: construction-closeout
    name: Construction closeout
    estimated_duration_days: 20
    prerequisites: [construction-kickoff]
    expected_output_keys: [certificate-of-occupancy]
    impacts:
      - dimension: lifecyclePhase
        description: "moves construction to servicing"

rules:
  - name: intake-to-feasibility
    dimension: lifecyclePhase
    from: intake
    to: feasibility
    conditions:
      - {kind: process-completed, process: site-assessment}
  - name: feasibility-to-entitlement
    dimension: lifecyclePhase
    from: feasibility
    to: entitlement
    conditions:
      - {kind: process-completed-in-phase, process: feasibility-analysis}
      - {kind: output-equals, process: feasibility-analysis, key: recommendation, value: proceed}
  # rules see only the state right after a completion and do not chain; the
  # revision loop below settles on the next completion or a manual
  # "transition request"
  - name: entitlement-revision
    dimension: lifecyclePhase
    from: entitlement
    to: feasibility
    conditions:
      - {kind: dimension-equals, dimension: approvalState, value: needs-revision}
  - name: entitlement-to-construction
    dimension: lifecyclePhase
    from: entitlement
    to: construction
    conditions:
      - {kind: dimension-equals, dimension: approvalState, value: approved}
      - {kind: process-completed-in-phase, process: construction-kickoff}
  - name: construction-to-servicing
    dimension: lifecyclePhase
    from: construction
    to: servicing
    conditions:
      - {kind: process-completed-in-phase, process: construction-closeout}
  - name: phase-override
    dimension: lifecyclePhase
    from: "*"
    to: "*"
    trigger: manual
    conditions:
      - {kind: process-not-active, process: permit-submission}

  - name: permit-approved
    dimension: approvalState
    from: pending
    to: approved
    conditions:
      - {kind: process-completed-in-phase, process: permit-submission}
      - {kind: output-equals, process: permit-submission, key: decision, value: approved}
  - name: permit-revision
    dimension: approvalState
    from: pending
    to: needs-revision
    conditions:
      - {kind: process-completed-in-phase, process: permit-submission}
      - {kind: output-equals, process: permit-submission, key: decision, value: revise}
  - name: permit-rejected
    dimension: approvalState
    from: pending
    to: rejected
    conditions:
      - {kind: process-completed-in-phase, process: permit-submission}
      - {kind: output-equals, process: permit-submission, key: decision, value: rejected}
  # needs a completion after the phase has moved back to feasibility
  - name: revision-reset
    dimension: approvalState
    from: needs-revision
    to: pending
    conditions:
      - {kind: dimension-equals, dimension: lifecyclePhase, value: feasibility}

  # applies on the completion after the rejection, or use "transition request"
  - name: rejected-closes
    dimension: activityStatus
    from: active
    to: closed
    conditions:
      - {kind: dimension-equals, dimension: approvalState, value: rejected}
  - name: pause
    dimension: activityStatus
    from: active
    to: paused
    trigger: manual
  - name: hold
    dimension: activityStatus
    from: active
    to: on-hold
    trigger: manual
  - name: reactivate
    dimension: activityStatus
    from: "*"
    to: active
    trigger: manual
    conditions:
      - {kind: dimension-not-equals, dimension: approvalState, value: rejected}
  - name: close
    dimension: activityStatus
    from: "*"
    to: closed
    trigger: manual

  - name: environmental-contamination
    dimension: riskScore
    from: "0"
    to: "8"
    conditions:
      - {kind: output-equals, process: environmental-review, key: finding, value: contaminated}
  - name: environmental-clear
    dimension: riskScore
    from: "0"
    to: "2"
    conditions:
      - {kind: output-equals, process: environmental-review, key: finding, value: clear}
  - name: rescore
    dimension: riskScore
    from: "*"
    to: "*"
    trigger: manual
`
