package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"workrelay/internal/domain"
)

// Config models relay.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Agents     []Agent          `yaml:"agents"`
	Routing    RoutingConfig    `yaml:"routing"`
	Review     ReviewConfig     `yaml:"review"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Server     ServerConfig     `yaml:"server"`
	Webhooks   []Webhook        `yaml:"webhooks"`
}

// Agent is one registered agent identity.
type Agent struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Role   string `yaml:"role"`
	Domain string `yaml:"domain"`
}

type RoutingConfig struct {
	// Labels maps a feedback label to a role name.
	Labels map[string]string `yaml:"labels"`
	// Paths maps a file path prefix to a domain.
	Paths         map[string]string `yaml:"paths"`
	DefaultRole   string            `yaml:"default_role"`
	DefaultDomain string            `yaml:"default_domain"`
}

type ReviewConfig struct {
	Chain     []string `yaml:"chain"`
	FinalRole string   `yaml:"final_role"`
}

type SupervisorConfig struct {
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	Env           map[string]string `yaml:"env"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       string            `yaml:"timeout"`
	KillGrace     string            `yaml:"kill_grace"`
	OutputLimit   int               `yaml:"output_limit"`
}

type WorkspaceConfig struct {
	// Repo is a git repository to branch worktrees from. Empty means plain directories.
	Repo    string `yaml:"repo"`
	BaseRef string `yaml:"base_ref"`
	Dir     string `yaml:"dir"`
}

type ServerConfig struct {
	Addr             string `yaml:"addr"`
	BasePath         string `yaml:"base_path"`
	JWTSecret        string `yaml:"jwt_secret"`
	AllowAgentHeader bool   `yaml:"allow_agent_header"`
	IncludeErrorBody bool   `yaml:"include_error_body"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with relay config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("relay"), nil
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
	return filepath.Join(workspace, "relay.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset sections fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("relay")
	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.merge(&raw)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) merge(o *Config) {
	if o.Project.ID != "" {
		c.Project.ID = o.Project.ID
	}
	if len(o.Agents) > 0 {
		c.Agents = o.Agents
	}
	if o.Routing.Labels != nil {
		c.Routing.Labels = o.Routing.Labels
	}
	if o.Routing.Paths != nil {
		c.Routing.Paths = o.Routing.Paths
	}
	if o.Routing.DefaultRole != "" {
		c.Routing.DefaultRole = o.Routing.DefaultRole
	}
	if o.Routing.DefaultDomain != "" {
		c.Routing.DefaultDomain = o.Routing.DefaultDomain
	}
	if len(o.Review.Chain) > 0 {
		c.Review.Chain = o.Review.Chain
	}
	if o.Review.FinalRole != "" {
		c.Review.FinalRole = o.Review.FinalRole
	}
	s := o.Supervisor
	if s.Command != "" {
		c.Supervisor.Command = s.Command
		c.Supervisor.Args = s.Args
	}
	if s.Env != nil {
		c.Supervisor.Env = s.Env
	}
	if s.MaxConcurrent != 0 {
		c.Supervisor.MaxConcurrent = s.MaxConcurrent
	}
	if s.Timeout != "" {
		c.Supervisor.Timeout = s.Timeout
	}
	if s.KillGrace != "" {
		c.Supervisor.KillGrace = s.KillGrace
	}
	if s.OutputLimit != 0 {
		c.Supervisor.OutputLimit = s.OutputLimit
	}
	if o.Workspace.Repo != "" {
		c.Workspace.Repo = o.Workspace.Repo
	}
	if o.Workspace.BaseRef != "" {
		c.Workspace.BaseRef = o.Workspace.BaseRef
	}
	if o.Workspace.Dir != "" {
		c.Workspace.Dir = o.Workspace.Dir
	}
	if o.Server.Addr != "" {
		c.Server.Addr = o.Server.Addr
	}
	if o.Server.BasePath != "" {
		c.Server.BasePath = o.Server.BasePath
	}
	if o.Server.JWTSecret != "" {
		c.Server.JWTSecret = o.Server.JWTSecret
	}
	c.Server.AllowAgentHeader = c.Server.AllowAgentHeader || o.Server.AllowAgentHeader
	c.Server.IncludeErrorBody = c.Server.IncludeErrorBody || o.Server.IncludeErrorBody
	if len(o.Webhooks) > 0 {
		c.Webhooks = o.Webhooks
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents must list at least one agent")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config.agents[%d].id is required", i)
		}
		keys := map[string]bool{strings.ToLower(a.ID): true}
		if a.Name != "" {
			keys[strings.ToLower(a.Name)] = true
		}
		for key := range keys {
			if seen[key] {
				return fmt.Errorf("config.agents[%d]: duplicate agent identity %q", i, key)
			}
			seen[key] = true
		}
		if _, ok := domain.ParseRole(a.Role); !ok {
			return fmt.Errorf("agent %s has unknown role %q", a.ID, a.Role)
		}
		if _, ok := domain.ParseDomain(a.Domain); !ok {
			return fmt.Errorf("agent %s has unknown domain %q", a.ID, a.Domain)
		}
	}
	for label, role := range c.Routing.Labels {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("config.routing.labels has empty label")
		}
		if _, ok := domain.ParseRole(role); !ok {
			return fmt.Errorf("label %s maps to unknown role %q", label, role)
		}
	}
	for prefix, d := range c.Routing.Paths {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("config.routing.paths has empty prefix")
		}
		if _, ok := domain.ParseDomain(d); !ok {
			return fmt.Errorf("path %s maps to unknown domain %q", prefix, d)
		}
	}
	if _, ok := domain.ParseRole(c.Routing.DefaultRole); !ok {
		return fmt.Errorf("config.routing.default_role %q is not a role", c.Routing.DefaultRole)
	}
	if _, ok := domain.ParseDomain(c.Routing.DefaultDomain); !ok {
		return fmt.Errorf("config.routing.default_domain %q is not a domain", c.Routing.DefaultDomain)
	}
	for _, r := range c.Review.Chain {
		if _, ok := domain.ParseRole(r); !ok {
			return fmt.Errorf("config.review.chain has unknown role %q", r)
		}
	}
	if c.Review.FinalRole != "" {
		if _, ok := domain.ParseRole(c.Review.FinalRole); !ok {
			return fmt.Errorf("config.review.final_role %q is not a role", c.Review.FinalRole)
		}
	}
	if c.Supervisor.MaxConcurrent < 1 {
		return fmt.Errorf("config.supervisor.max_concurrent must be at least 1")
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if _, err := c.KillGrace(); err != nil {
		return err
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Timeout is the default invocation deadline.
func (c *Config) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Supervisor.Timeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config.supervisor.timeout %q must be a positive duration", c.Supervisor.Timeout)
	}
	return d, nil
}

// KillGrace is how long a process group gets between SIGTERM and SIGKILL.
func (c *Config) KillGrace() (time.Duration, error) {
	d, err := time.ParseDuration(c.Supervisor.KillGrace)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config.supervisor.kill_grace %q must be a duration", c.Supervisor.KillGrace)
	}
	return d, nil
}

// LookupAgent resolves an agent by id or display name, case-insensitively.
func (c *Config) LookupAgent(identity string) (Agent, bool) {
	identity = strings.TrimSpace(identity)
	for _, a := range c.Agents {
		if strings.EqualFold(a.ID, identity) || strings.EqualFold(a.Name, identity) {
			return a, true
		}
	}
	return Agent{}, false
}

// AgentFor picks the agent serving role in dom, falling back to any agent with that role.
func (c *Config) AgentFor(role domain.Role, dom domain.Domain) (Agent, bool) {
	var fallback *Agent
	for i, a := range c.Agents {
		if !strings.EqualFold(a.Role, string(role)) {
			continue
		}
		if strings.EqualFold(a.Domain, string(dom)) {
			return a, true
		}
		if fallback == nil {
			fallback = &c.Agents[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Agent{}, false
}

const defaultTemplate = `project:
  id: %s

agents:
  - {id: r1_tech_strategist, name: "R1 Tech Strategist", role: Strategy, domain: technical}
  - {id: r1_product_strategist, name: "R1 Product Strategist", role: Strategy, domain: product}
  - {id: r2_tech_planner, name: "R2 Tech Planner", role: Planning, domain: technical}
  - {id: r2_product_planner, name: "R2 Product Planner", role: Planning, domain: product}
  - {id: r2_ux_planner, name: "R2 UX Planner", role: Planning, domain: ux}
  - {id: r3_tech_implementer, name: "R3 Tech Implementer", role: Implementation, domain: technical}
  - {id: r3_ui_implementer, name: "R3 UI Implementer", role: Implementation, domain: ui}
  - {id: r4_tech_reviewer, name: "R4 Tech Reviewer", role: Review, domain: technical}
  - {id: r5_tech_qa, name: "R5 Tech QA", role: QA, domain: technical}

routing:
  labels:
    "feedback:r1_strategy": Strategy
    "feedback:r2_planning": Planning
    "feedback:r3_implementation": Implementation
    "feedback:r4_review": Review
    "feedback:r5_qa": QA
  paths:
    "app/": technical
    "tests/": technical
    "docs/product/": product
    "docs/ux/": ux
    "ui/": ui
    "frontend/": ui
  default_role: Implementation
  default_domain: technical

review:
  chain: [Implementation, Planning, Review, Strategy]
  final_role: Strategy

supervisor:
  command: ""
  max_concurrent: 4
  timeout: 30m
  kill_grace: 5s
  output_limit: 65536

workspace:
  base_ref: HEAD

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
