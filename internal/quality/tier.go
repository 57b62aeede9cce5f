package quality

import (
	"math"
	"sort"

	"github.com/fyrsmithlabs/shipyard/internal/config"
	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
)

// Tier maps a diff size to the agents that check it. A zero limit is
// unbounded.
type Tier struct {
	Name     string
	MaxFiles int
	MaxLines int
	Agents   []string
}

// TiersFromConfig converts configured tiers.
func TiersFromConfig(cfgs []config.TierConfig) []Tier {
	out := make([]Tier, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, Tier{
			Name:     c.Name,
			MaxFiles: c.MaxFiles,
			MaxLines: c.MaxLines,
			Agents:   append([]string(nil), c.Agents...),
		})
	}
	return out
}

func (t Tier) covers(d gitrepo.DiffStats) bool {
	return (t.MaxFiles == 0 || d.FilesChanged <= t.MaxFiles) &&
		(t.MaxLines == 0 || d.Lines() <= t.MaxLines)
}

func limit(n int) int {
	if n == 0 {
		return math.MaxInt
	}
	return n
}

// ClassifyTier returns the smallest tier that covers d, or the largest tier
// when none does. ok is false only when tiers is empty.
func ClassifyTier(tiers []Tier, d gitrepo.DiffStats) (tier Tier, ok bool) {
	if len(tiers) == 0 {
		return Tier{}, false
	}
	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := limit(sorted[i].MaxLines), limit(sorted[j].MaxLines)
		if li != lj {
			return li < lj
		}
		return limit(sorted[i].MaxFiles) < limit(sorted[j].MaxFiles)
	})
	for _, t := range sorted {
		if t.covers(d) {
			return t, true
		}
	}
	return sorted[len(sorted)-1], true
}

// FindTier looks a tier up by name.
func FindTier(tiers []Tier, name string) (Tier, bool) {
	for _, t := range tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}
