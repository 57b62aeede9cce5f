package quality

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalidDefinition is returned for an agent definition that cannot be built.
var ErrInvalidDefinition = errors.New("invalid agent definition")

// Agent kinds understood by BuildAgents.
const (
	KindCommand = "command"
	KindSecrets = "secrets"
	KindModel   = "model"
)

// Definition declares one agent in the agents file:
//
//	[[agent]]
//	name = "tests"
//	kind = "command"
//	command = "go test ./..."
//	timeout = "10m"
type Definition struct {
	Name         string `toml:"name"`
	Kind         string `toml:"kind"`
	Command      string `toml:"command"`
	Timeout      string `toml:"timeout"`
	Instructions string `toml:"instructions"`
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
}

// DefaultDefinitions match the agents named by the default tiers.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "tests", Kind: KindCommand, Command: "go test ./...", Timeout: "10m"},
		{Name: "lint", Kind: KindCommand, Command: "go vet ./...", Timeout: "5m"},
		{Name: "secrets", Kind: KindSecrets},
		{Name: "review", Kind: KindModel, Instructions: "Review this change for correctness bugs and missing tests."},
	}
}

// LoadDefinitions decodes an agents file.
func LoadDefinitions(path string) ([]Definition, error) {
	var file struct {
		Agents []Definition `toml:"agent"`
	}
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown key %s", ErrInvalidDefinition, path, undecoded[0])
	}
	return file.Agents, nil
}

// BuildAgents turns definitions into agents. clients may be nil when no
// model agent is defined.
func BuildAgents(defs []Definition, clients ClientSource) ([]Agent, error) {
	seen := map[string]bool{}
	out := make([]Agent, 0, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: missing name", ErrInvalidDefinition)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: duplicate agent %q", ErrInvalidDefinition, d.Name)
		}
		seen[d.Name] = true

		switch d.Kind {
		case KindCommand:
			if d.Command == "" {
				return nil, fmt.Errorf("%w: agent %q has no command", ErrInvalidDefinition, d.Name)
			}
			timeout, err := d.timeout()
			if err != nil {
				return nil, err
			}
			out = append(out, &CommandAgent{AgentName: d.Name, Command: d.Command, Timeout: timeout})
		case KindSecrets:
			out = append(out, &SecretsAgent{AgentName: d.Name})
		case KindModel:
			if clients == nil {
				return nil, fmt.Errorf("%w: agent %q needs a model client", ErrInvalidDefinition, d.Name)
			}
			timeout, err := d.timeout()
			if err != nil {
				return nil, err
			}
			out = append(out, &ModelAgent{
				Timeout:      timeout,
				AgentName:    d.Name,
				Instructions: d.Instructions,
				Provider:     d.Provider,
				Model:        d.Model,
				Clients:      clients,
			})
		default:
			return nil, fmt.Errorf("%w: agent %q has unknown kind %q", ErrInvalidDefinition, d.Name, d.Kind)
		}
	}
	return out, nil
}

func (d Definition) timeout() (time.Duration, error) {
	if d.Timeout == "" {
		return 0, nil
	}
	t, err := time.ParseDuration(d.Timeout)
	if err != nil || t < 0 {
		return 0, fmt.Errorf("%w: agent %q timeout %q", ErrInvalidDefinition, d.Name, d.Timeout)
	}
	return t, nil
}
