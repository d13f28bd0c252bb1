package game

// Penalty tables are fixed lookups keyed by event magnitude, with a
// capped bonus for chained events. The room forwards the computed
// amount; it never applies penalties to game state itself.

// stackLineTable maps lines cleared in one drop to garbage lines sent.
var stackLineTable = [...]int{0, 0, 1, 2, 4}

const comboBonusCap = 4

func comboBonus(combo int) int {
	if combo <= 0 {
		return 0
	}
	if combo > comboBonusCap {
		return comboBonusCap
	}
	return combo
}

func stackPenalty(e Event) int {
	if e.Name != "lines_cleared" {
		return 0
	}
	n := e.Magnitude
	if n < 0 {
		return 0
	}
	if n >= len(stackLineTable) {
		n = len(stackLineTable) - 1
	}
	base := stackLineTable[n]
	if base == 0 {
		return 0
	}
	return base + comboBonus(e.Combo)
}

// mergeTileTable: merging at or above a tile tier junk-tiles the
// opponent. Magnitude is the merged tile exponent (7 = 128).
var mergeTileTable = map[int]int{7: 1, 8: 2, 9: 3, 10: 5, 11: 8}

func mergePenalty(e Event) int {
	if e.Name != "tile_merged" {
		return 0
	}
	base := mergeTileTable[e.Magnitude]
	if base == 0 {
		return 0
	}
	return base + comboBonus(e.Combo)
}

// snake: eating special food shortens the opponent's safe area.
func snakePenalty(e Event) int {
	if e.Name != "special_food" {
		return 0
	}
	if e.Magnitude <= 0 {
		return 0
	}
	return 1 + comboBonus(e.Combo)
}

// words: a perfect streak of N words scrambles one upcoming word for
// the opponent per 5-word streak step.
func wordsPenalty(e Event) int {
	if e.Name != "streak" {
		return 0
	}
	if e.Magnitude < 5 {
		return 0
	}
	return e.Magnitude / 5
}
