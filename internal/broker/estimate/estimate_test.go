package estimate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func TestHeuristicEmptyQueue(t *testing.T) {
	assert.Equal(t, 0, Heuristic{}.Estimate("valorant", 0, 5))
	assert.Equal(t, 0, Heuristic{}.Estimate("valorant", -1, 5))
}

func TestHeuristicNoProvidersPinsToMax(t *testing.T) {
	assert.Equal(t, maxWaitSec, Heuristic{}.Estimate("valorant", 3, 0))
}

func TestHeuristicScalesWithDepthAndProviders(t *testing.T) {
	h := Heuristic{}
	shallow := h.Estimate("cs2", 2, 4)
	deep := h.Estimate("cs2", 20, 4)
	assert.Less(t, shallow, deep)

	few := h.Estimate("cs2", 10, 1)
	many := h.Estimate("cs2", 10, 10)
	assert.Greater(t, few, many)
}

// The heuristic always lands in its documented range for a non-empty queue.
func TestHeuristicBoundsRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		waiting := rapid.IntRange(1, 10_000).Draw(t, "waiting")
		providers := rapid.IntRange(0, 500).Draw(t, "providers")

		sec := Heuristic{}.Estimate("g", waiting, providers)
		if sec < minWaitSec || sec > maxWaitSec {
			t.Fatalf("estimate %d outside [%d, %d]", sec, minWaitSec, maxWaitSec)
		}
	})
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "estimate.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLuaEstimatorRunsScript(t *testing.T) {
	path := writeScript(t, `
function estimate(game, waiting, providers)
  if providers == 0 then return 600 end
  return waiting * 45
end
`)
	e, err := NewLuaEstimator(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 135, e.Estimate("valorant", 3, 2))
	assert.Equal(t, 600, e.Estimate("valorant", 3, 0))
}

func TestLuaEstimatorMissingFunction(t *testing.T) {
	path := writeScript(t, `x = 1`)
	_, err := NewLuaEstimator(path, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestLuaEstimatorBadScript(t *testing.T) {
	path := writeScript(t, `function estimate( broken`)
	_, err := NewLuaEstimator(path, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestLuaEstimatorRuntimeErrorFallsBack(t *testing.T) {
	path := writeScript(t, `
function estimate(game, waiting, providers)
  error("boom")
end
`)
	e, err := NewLuaEstimator(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Close()

	got := e.Estimate("cs2", 4, 2)
	assert.Equal(t, Heuristic{}.Estimate("cs2", 4, 2), got)
}

func TestLuaEstimatorNonNumericResultFallsBack(t *testing.T) {
	path := writeScript(t, `
function estimate(game, waiting, providers)
  return "soon"
end
`)
	e, err := NewLuaEstimator(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Close()

	got := e.Estimate("cs2", 4, 2)
	assert.Equal(t, Heuristic{}.Estimate("cs2", 4, 2), got)
}

// The instruction budget is per call. A long-lived estimator must keep
// running the script no matter how many opcodes earlier calls consumed.
func TestLuaEstimatorBudgetResetsEachCall(t *testing.T) {
	path := writeScript(t, `
function estimate(game, waiting, providers)
  local n = 0
  for i = 1, 1000 do n = n + i end
  return 7
end
`)
	e, err := NewLuaEstimator(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 1_000; i++ {
		require.Equal(t, 7, e.Estimate("valorant", 5, 2), "call %d fell back to the heuristic", i)
	}
}

func TestLuaEstimatorSandboxStripsGlobals(t *testing.T) {
	path := writeScript(t, `
function estimate(game, waiting, providers)
  if dofile ~= nil or require ~= nil then
    return -1
  end
  return 10
end
`)
	e, err := NewLuaEstimator(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 10, e.Estimate("g", 1, 1))
}
