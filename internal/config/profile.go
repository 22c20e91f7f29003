package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ethos/internal/core"
)

//go:embed default_profile.yaml
var defaultProfileYAML []byte

// Profile describes the agent identity a deployment runs with: who the agent
// is, which actions it may select and whether domain evaluation applies.
type Profile struct {
	Name             string            `yaml:"name"`
	Role             string            `yaml:"role"`
	Description      string            `yaml:"description"`
	PermittedActions []core.ActionKind `yaml:"permitted_actions"`
	Domain           DomainProfile     `yaml:"domain"`
	Prompts          PromptOverrides   `yaml:"prompts"`
	Wakeup           WakeupProfile     `yaml:"wakeup"`
}

// DomainProfile enables the domain-specific evaluator and supplies its
// framing.
type DomainProfile struct {
	Enabled  bool   `yaml:"enabled"`
	Name     string `yaml:"name"`
	Guidance string `yaml:"guidance"`
}

// PromptOverrides replaces the built-in evaluator prompts when non-empty.
type PromptOverrides struct {
	Ethical         string `yaml:"ethical"`
	CommonSense     string `yaml:"common_sense"`
	Domain          string `yaml:"domain"`
	ActionSelection string `yaml:"action_selection"`
}

// WakeupProfile selects where the wakeup ritual speaks.
type WakeupProfile struct {
	Channel string `yaml:"channel"`
}

// Permits reports whether the profile allows the action kind. An empty
// permitted list allows every valid kind.
func (p Profile) Permits(kind core.ActionKind) bool {
	if len(p.PermittedActions) == 0 {
		return kind.Valid()
	}
	for _, allowed := range p.PermittedActions {
		if allowed == kind {
			return true
		}
	}
	return false
}

// Validate rejects profiles the pipeline cannot run with.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name must not be empty")
	}
	for _, kind := range p.PermittedActions {
		if !kind.Valid() {
			return fmt.Errorf("profile %s permits unknown action %q", p.Name, kind)
		}
	}
	if p.Domain.Enabled && strings.TrimSpace(p.Domain.Name) == "" {
		return fmt.Errorf("profile %s enables domain evaluation without a domain name", p.Name)
	}
	return nil
}

// DefaultProfile returns the embedded profile the binary ships with.
func DefaultProfile() Profile {
	profile, err := parseProfile(defaultProfileYAML)
	if err != nil {
		// The embedded document is part of the build; failing to parse it is
		// a programming error.
		panic(fmt.Sprintf("embedded default profile: %v", err))
	}
	return profile
}

// LoadProfile resolves a profile by name or path. The literal "default" (or
// an empty string) yields the embedded profile; anything else is read as a
// YAML file path.
func LoadProfile(nameOrPath string) (Profile, error) {
	trimmed := strings.TrimSpace(nameOrPath)
	if trimmed == "" || trimmed == "default" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(trimmed)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %s: %w", trimmed, err)
	}
	profile, err := parseProfile(data)
	if err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", trimmed, err)
	}
	return profile, nil
}

func parseProfile(data []byte) (Profile, error) {
	profile := DefaultShape()
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, err
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// DefaultShape returns the zero profile with the fallbacks a partial YAML
// document inherits.
func DefaultShape() Profile {
	return Profile{
		Name:   "default",
		Wakeup: WakeupProfile{Channel: "cli"},
	}
}
