package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/shipyard/internal/config"
	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
)

func TestClassifyTier(t *testing.T) {
	// Deliberately out of order.
	tiers := TiersFromConfig([]config.TierConfig{
		{Name: "large", Agents: []string{"tests", "review"}},
		{Name: "small", MaxFiles: 5, MaxLines: 200, Agents: []string{"tests"}},
		{Name: "medium", MaxFiles: 20, MaxLines: 1000, Agents: []string{"tests", "lint"}},
	})

	tests := []struct {
		name string
		diff gitrepo.DiffStats
		want string
	}{
		{"empty diff", gitrepo.DiffStats{}, "small"},
		{"at small bound", gitrepo.DiffStats{FilesChanged: 5, Insertions: 150, Deletions: 50}, "small"},
		{"too many files for small", gitrepo.DiffStats{FilesChanged: 6, Insertions: 10}, "medium"},
		{"too many lines for medium", gitrepo.DiffStats{FilesChanged: 2, Insertions: 1001}, "large"},
		{"huge", gitrepo.DiffStats{FilesChanged: 500, Insertions: 50000}, "large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClassifyTier(tiers, tt.diff)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestClassifyTier_FallsBackToLargest(t *testing.T) {
	tiers := []Tier{
		{Name: "small", MaxFiles: 1, MaxLines: 10},
		{Name: "medium", MaxFiles: 2, MaxLines: 20},
	}
	got, ok := ClassifyTier(tiers, gitrepo.DiffStats{FilesChanged: 3})
	assert.True(t, ok)
	assert.Equal(t, "medium", got.Name)
}

func TestClassifyTier_Empty(t *testing.T) {
	_, ok := ClassifyTier(nil, gitrepo.DiffStats{})
	assert.False(t, ok)
}

func TestFindTier(t *testing.T) {
	tiers := TiersFromConfig(config.DefaultTiers())
	got, ok := FindTier(tiers, "medium")
	assert.True(t, ok)
	assert.Equal(t, []string{"tests", "lint", "secrets"}, got.Agents)

	_, ok = FindTier(tiers, "huge")
	assert.False(t, ok)
}
