package plugin

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Rechenmaschine/backend/internal/score"
)

// ManifestFileName is the file every plugin directory must contain.
const ManifestFileName = "plugin.yaml"

// yamlManifestFile is the top-level YAML structure of a plugin manifest.
type yamlManifestFile struct {
	Plugin yamlManifest `yaml:"plugin"`
}

type yamlManifest struct {
	UUID              string         `yaml:"uuid"`
	Name              string         `yaml:"name"`
	Players           int            `yaml:"players"`
	Script            string         `yaml:"script"`
	InstructionBudget int            `yaml:"instruction_budget"`
	ScoreDefinition   []yamlFragment `yaml:"score_definition"`
}

type yamlFragment struct {
	Name               string `yaml:"name"`
	Aggregation        string `yaml:"aggregation"`
	RelevantForRanking bool   `yaml:"relevant_for_ranking"`
}

// Manifest describes one game-type plugin.
type Manifest struct {
	// UUID is the game-type identifier clients request.
	UUID string
	// Name is the human-readable game name.
	Name string
	// Players is the number of slots a room of this type opens.
	Players int
	// Script is the rule script filename, relative to the plugin directory.
	Script string
	// InstructionBudget overrides the per-instance Lua opcode budget; 0
	// keeps the default.
	InstructionBudget int
	// ScoreDefinition is the score schema shared by all matches of this type.
	ScoreDefinition score.Definition
}

// loadManifest reads and validates the manifest at path.
//
// Postcondition: Returns a validated Manifest or a non-nil error.
func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	return parseManifest(data)
}

// parseManifest parses and validates manifest YAML bytes.
func parseManifest(data []byte) (Manifest, error) {
	var file yamlManifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest YAML: %w", err)
	}

	y := file.Plugin
	m := Manifest{
		UUID:              y.UUID,
		Name:              y.Name,
		Players:           y.Players,
		Script:            y.Script,
		InstructionBudget: y.InstructionBudget,
	}
	if m.Script == "" {
		m.Script = "game.lua"
	}
	if m.Players == 0 {
		m.Players = 2
	}

	for i, f := range y.ScoreDefinition {
		agg, err := score.ParseAggregation(f.Aggregation)
		if err != nil {
			return Manifest{}, fmt.Errorf("fragment %d: %w", i, err)
		}
		m.ScoreDefinition = append(m.ScoreDefinition, score.Fragment{
			Name:               f.Name,
			Aggregation:        agg,
			RelevantForRanking: f.RelevantForRanking,
		})
	}

	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (m Manifest) validate() error {
	if m.UUID == "" {
		return fmt.Errorf("manifest is missing a uuid")
	}
	if m.Name == "" {
		return fmt.Errorf("manifest %q is missing a name", m.UUID)
	}
	if m.Players < 2 {
		return fmt.Errorf("manifest %q: players must be >= 2, got %d", m.UUID, m.Players)
	}
	if m.InstructionBudget < 0 {
		return fmt.Errorf("manifest %q: instruction_budget must be >= 0", m.UUID)
	}
	if err := m.ScoreDefinition.Validate(); err != nil {
		return fmt.Errorf("manifest %q: %w", m.UUID, err)
	}
	return nil
}
