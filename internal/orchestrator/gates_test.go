package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	"github.com/fyrsmithlabs/shipyard/internal/plan"
)

func TestChangesGate(t *testing.T) {
	vs, err := ChangesGate{}.Check(context.Background(), &Candidate{})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, SeverityError, vs[0].Severity)
	assert.Len(t, Blocking(vs), 1)

	vs, err = ChangesGate{}.Check(context.Background(), &Candidate{Diff: gitrepo.DiffStats{FilesChanged: 1}})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestPlanCoverageGate(t *testing.T) {
	p := &plan.ImplementationPlan{FilesToModify: []string{"./auth/login.go"}, FilesToCreate: []string{"auth/session.go"}}

	tests := []struct {
		name  string
		plan  *plan.ImplementationPlan
		files []string
		want  int
	}{
		{"no plan", nil, []string{"x.go"}, 0},
		{"plan without files", &plan.ImplementationPlan{}, []string{"x.go"}, 0},
		{"planned file touched", p, []string{"auth/login.go"}, 0},
		{"created file touched", p, []string{"auth/session.go", "README.md"}, 0},
		{"nothing planned touched", p, []string{"README.md"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs, err := PlanCoverageGate{}.Check(context.Background(), &Candidate{
				Plan: tt.plan,
				Diff: gitrepo.DiffStats{Files: tt.files},
			})
			require.NoError(t, err)
			assert.Len(t, vs, tt.want)
			assert.Empty(t, Blocking(vs))
		})
	}
}

func TestTestsGate(t *testing.T) {
	tests := []struct {
		files []string
		want  int
	}{
		{[]string{"auth/login.go"}, 1},
		{[]string{"auth/login.go", "auth/login_test.go"}, 0},
		{[]string{"src/app.ts", "src/app.spec.ts"}, 0},
		{[]string{"pkg/mod.py", "tests/test_mod.py"}, 0},
		{[]string{"web/ui.jsx", "web/__tests__/ui.jsx"}, 0},
		{[]string{"README.md", "docs/guide.md"}, 0},
	}
	for _, tt := range tests {
		vs, err := TestsGate{}.Check(context.Background(), &Candidate{Diff: gitrepo.DiffStats{Files: tt.files}})
		require.NoError(t, err)
		assert.Len(t, vs, tt.want, "%v", tt.files)
	}
}
