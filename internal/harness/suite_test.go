package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFiles(t *testing.T) {
	env := goalsEnv(t)
	h := New(env, nil)

	suite, err := h.RunFiles(context.Background(), []string{
		"testdata/scenarios/player_goals.yaml",
		"testdata/scenarios/broken.yaml",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, suite.Total)
	assert.Equal(t, 1, suite.Passed)
	assert.Equal(t, 1, suite.Failed)
	require.Len(t, suite.Failures, 1)
	assert.Equal(t, "testdata/scenarios/broken.yaml", suite.Failures[0].Path)
	assert.Contains(t, suite.Failures[0].Errors[0], "failed to load scenario")
}

func TestRunFiles_Cancelled(t *testing.T) {
	env := newFakeEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	suite, err := New(env, nil).RunFiles(ctx, []string{"testdata/scenarios/player_goals.yaml"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, suite.Total)
}
