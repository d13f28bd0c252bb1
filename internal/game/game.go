package game

import "errors"

var ErrUnknownGame = errors.New("unknown game family")

// Settings is the per-room configuration echoed identically to both
// players at game_start, so client-side seeded randomness reproduces
// from the shared seed alone. One struct covers all families; unused
// fields stay zero and are omitted on the wire.
type Settings struct {
	TimeLimitSec int    `json:"time_limit_sec"`
	TargetTile   int    `json:"target_tile,omitempty"`  // merge
	GridWidth    int    `json:"grid_width,omitempty"`   // sweep
	GridHeight   int    `json:"grid_height,omitempty"`  // sweep
	Mines        int    `json:"mines,omitempty"`        // sweep
	WordCount    int    `json:"word_count,omitempty"`   // words
	Difficulty   string `json:"difficulty,omitempty"`
}

// Progress is the client-reported snapshot the coordinator relays. It
// is trusted as-is; the server never re-simulates the game.
type Progress struct {
	Score    int
	Count    int
	Finished bool
}

// Event is a cross-player scoring event (e.g. a line clear) that the
// room converts into an opponent penalty.
type Event struct {
	Name      string
	Magnitude int
	Combo     int
}

// Family bundles what the generic room needs to host one game variant:
// default settings, a progress comparator and a penalty table.
type Family struct {
	Name     string
	Defaults Settings

	// Compare reports whether a beats b: >0 a wins, <0 b wins, 0 tie.
	Compare func(a, b Progress) int

	// Penalty maps a scoring event to the amount queued against the
	// opponent. Returns 0 for events that don't convert.
	Penalty func(Event) int
}

var families = map[string]Family{
	"stack": {
		Name:     "stack",
		Defaults: Settings{TimeLimitSec: 180},
		Compare:  compareByScore,
		Penalty:  stackPenalty,
	},
	"merge": {
		Name:     "merge",
		Defaults: Settings{TimeLimitSec: 300, TargetTile: 2048},
		Compare:  compareByScore,
		Penalty:  mergePenalty,
	},
	"sweep": {
		Name:     "sweep",
		Defaults: Settings{TimeLimitSec: 240, GridWidth: 16, GridHeight: 16, Mines: 40},
		Compare:  compareByCount,
		Penalty:  func(Event) int { return 0 },
	},
	"snake": {
		Name:     "snake",
		Defaults: Settings{TimeLimitSec: 180},
		Compare:  compareByCount,
		Penalty:  snakePenalty,
	},
	"words": {
		Name:     "words",
		Defaults: Settings{TimeLimitSec: 120, WordCount: 50, Difficulty: "normal"},
		Compare:  compareByCount,
		Penalty:  wordsPenalty,
	},
}

func Lookup(name string) (Family, error) {
	f, ok := families[name]
	if !ok {
		return Family{}, ErrUnknownGame
	}
	return f, nil
}

// Names lists the registered families, for diagnostics.
func Names() []string {
	out := make([]string, 0, len(families))
	for name := range families {
		out = append(out, name)
	}
	return out
}

func compareByScore(a, b Progress) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return 1
		}
		return -1
	}
	if a.Count != b.Count {
		if a.Count > b.Count {
			return 1
		}
		return -1
	}
	return 0
}

func compareByCount(a, b Progress) int {
	if a.Count != b.Count {
		if a.Count > b.Count {
			return 1
		}
		return -1
	}
	if a.Score != b.Score {
		if a.Score > b.Score {
			return 1
		}
		return -1
	}
	return 0
}
