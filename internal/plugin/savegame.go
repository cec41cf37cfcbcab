package plugin

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlSaveFile is the saved-game (replay) file format: the per-turn state
// snapshots of a recorded match, oldest first.
type yamlSaveFile struct {
	GameType string          `yaml:"game_type"`
	States   []yamlSaveState `yaml:"states"`
}

type yamlSaveState struct {
	Turn  int            `yaml:"turn"`
	State map[string]any `yaml:"state"`
}

// loadSavedState reads the saved-game file and selects the snapshot to
// resume from. Turn <= 0 selects the first recorded state; otherwise the
// snapshot with the exact turn index is required.
//
// Postcondition: Returns a non-nil state map or a non-nil error.
func loadSavedState(path string, turn int) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading saved game %s: %w", path, err)
	}

	var file yamlSaveFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing saved game %s: %w", path, err)
	}
	if len(file.States) == 0 {
		return nil, fmt.Errorf("saved game %s contains no states", path)
	}

	if turn <= 0 {
		return file.States[0].State, nil
	}
	for _, s := range file.States {
		if s.Turn == turn {
			return s.State, nil
		}
	}
	return nil, fmt.Errorf("saved game %s has no state for turn %d", path, turn)
}
