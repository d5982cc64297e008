package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
)

// AllowedModels is the fixed set of model aliases an agent config may name.
var AllowedModels = map[string]bool{
	"sonnet": true,
	"opus":   true,
	"haiku":  true,
}

// nativeToolAllowList is every built-in tool name the core recognizes.
// Anything not in this set must be MCP-prefixed ("mcp:server/tool") to be
// accepted; otherwise it is an unknown tool and the agent config is invalid.
var nativeToolAllowList = map[string]bool{
	"bash":           true,
	"read_file":      true,
	"write_file":     true,
	"edit_file":      true,
	"grep":           true,
	"glob":           true,
	"web_search":     true,
	"web_fetch":      true,
	"memory_search":  true,
	"memory_get":     true,
	"sessions_list":  true,
	"sessions_history": true,
	"gateway":        true,
	"cron":           true,
}

// forbiddenTools may never be granted to an invoked agent regardless of
// what its config requests — most importantly, agents cannot spawn further
// agents, which would defeat the registry's depth/concurrency bookkeeping.
var forbiddenTools = map[string]bool{
	"spawn":          true,
	"subagent":       true,
	"sessions_spawn": true,
	"invoke_agent":   true,
}

// Config is one agent's on-disk definition: a config file plus a prompt
// file living together under a named subdirectory of the agents directory.
type Config struct {
	Name        string   `json:"-"`
	Dir         string   `json:"-"`
	Model       string   `json:"model"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Project     string   `json:"project,omitempty"`
	SkillAccess bool     `json:"skill_access,omitempty"`
	PromptFile  string   `json:"-"`
}

const configFileName = "agent.json"
const promptFileName = "AGENT.md"

// Registry scans an agents directory for one subdirectory per agent.
type Registry struct {
	dir string
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Scan loads and validates every agent subdirectory, returning agents keyed
// by name. An invalid individual agent config does not abort the scan —
// its error is returned alongside the agents that did load, so the caller
// can surface per-agent problems without losing the rest of the registry.
func (r *Registry) Scan() (map[string]Config, []error) {
	agents := map[string]Config{}
	var errs []error

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return agents, []error{apperr.Wrap(apperr.KindExternal, "agent.Registry.Scan", "read agents dir", err)}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		cfg, err := r.load(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		agents[name] = cfg
	}
	return agents, errs
}

func (r *Registry) load(name string) (Config, error) {
	dir := filepath.Join(r.dir, name)
	configPath := filepath.Join(dir, configFileName)

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, apperr.Wrap(apperr.KindExternal, "agent.Registry.load", "read "+configPath, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, apperr.Wrap(apperr.KindInvalid, "agent.Registry.load", "decode "+configPath, err)
	}
	cfg.Name = name
	cfg.Dir = dir
	cfg.PromptFile = filepath.Join(dir, promptFileName)

	if _, err := os.Stat(cfg.PromptFile); err != nil {
		return Config{}, apperr.New(apperr.KindInvalid, "agent.Registry.load", "agent "+name+" is missing "+promptFileName)
	}
	if !AllowedModels[cfg.Model] {
		return Config{}, apperr.New(apperr.KindInvalid, "agent.Registry.load", "agent "+name+" names unknown model "+cfg.Model)
	}
	if err := validateTools(cfg.Tools); err != nil {
		return Config{}, apperr.Wrap(apperr.KindInvalid, "agent.Registry.load", "agent "+name+" tool list", err)
	}
	return cfg, nil
}

// validateTools rejects any forbidden tool outright and requires every
// other entry to be either a known native tool name or MCP-prefixed
// ("mcp:server/tool").
func validateTools(tools []string) error {
	for _, t := range tools {
		if forbiddenTools[t] {
			return apperr.New(apperr.KindInvalid, "agent.validateTools", "tool "+t+" is never grantable to an invoked agent")
		}
		if strings.HasPrefix(t, "mcp:") {
			continue
		}
		if !nativeToolAllowList[t] {
			return apperr.New(apperr.KindInvalid, "agent.validateTools", "unknown tool "+t)
		}
	}
	return nil
}
