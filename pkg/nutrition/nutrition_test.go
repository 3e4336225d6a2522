package nutrition

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/platepal/internal/database"
	"github.com/harun/platepal/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	j, err := NewJournal(db)
	require.NoError(t, err)
	j.now = func() time.Time { return time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC) }
	return j
}

func newTools(t *testing.T) (*toolexecutor.ToolExecutor, *Journal, context.Context) {
	t.Helper()
	j := newJournal(t)
	exec := toolexecutor.New()
	require.NoError(t, RegisterTools(exec, j))
	ctx := toolexecutor.ContextWithExecContext(context.Background(), &toolexecutor.ExecutionContext{UserID: "user-1"})
	return exec, j, ctx
}

func decode(t *testing.T, out string) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &payload), out)
	return payload
}

func TestRegisterTools(t *testing.T) {
	exec, _, _ := newTools(t)
	assert.Equal(t, []string{ToolDailySummary, ToolLogMeal, ToolLogWeight, ToolLookupNutrition}, exec.ListTools())

	assert.Error(t, RegisterTools(nil, nil))
}

func TestLogWeight(t *testing.T) {
	exec, j, ctx := newTools(t)

	t.Run("should convert pounds to kilograms", func(t *testing.T) {
		payload := decode(t, exec.Dispatch(ctx, ToolLogWeight, map[string]interface{}{"weight": 180.0}))
		assert.Equal(t, true, payload["success"])
		assert.Equal(t, 81.6, payload["weightKg"])
		assert.Equal(t, "Logged 180 lb.", payload["message"])

		summary, err := j.Summary(ctx, "user-1", "")
		require.NoError(t, err)
		require.NotNil(t, summary.LatestWeightKg)
		assert.InDelta(t, 81.65, *summary.LatestWeightKg, 0.01)
	})

	t.Run("should keep kilograms", func(t *testing.T) {
		payload := decode(t, exec.Dispatch(ctx, ToolLogWeight, map[string]interface{}{"weight": 72.5, "unit": "kg"}))
		assert.Equal(t, 72.5, payload["weightKg"])
	})

	t.Run("should reject non-positive weight", func(t *testing.T) {
		payload := decode(t, exec.Dispatch(ctx, ToolLogWeight, map[string]interface{}{"weight": 0.0}))
		assert.Equal(t, false, payload["success"])
	})

	t.Run("should fail without a user", func(t *testing.T) {
		payload := decode(t, exec.Dispatch(context.Background(), ToolLogWeight, map[string]interface{}{"weight": 70.0}))
		assert.Equal(t, false, payload["success"])
		assert.Contains(t, payload["message"], "no user")
	})
}

func TestLogMealAndSummary(t *testing.T) {
	exec, j, ctx := newTools(t)

	payload := decode(t, exec.Dispatch(ctx, ToolLogMeal, map[string]interface{}{
		"description": "Oatmeal with banana",
		"meal_type":   "breakfast",
		"calories":    259.0,
		"protein_g":   6.7,
		"carbs_g":     54.0,
		"fat_g":       3.0,
	}))
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, "Logged Oatmeal with banana (259 kcal).", payload["message"])

	decode(t, exec.Dispatch(ctx, ToolLogMeal, map[string]interface{}{"description": "Apple", "calories": 95.0}))

	other := toolexecutor.ContextWithExecContext(context.Background(), &toolexecutor.ExecutionContext{UserID: "user-2"})
	decode(t, exec.Dispatch(other, ToolLogMeal, map[string]interface{}{"description": "Pizza", "calories": 800.0}))

	summary := decode(t, exec.Dispatch(ctx, ToolDailySummary, map[string]interface{}{"date": "2024-06-03"}))
	assert.Equal(t, "2024-06-03", summary["date"])
	assert.Equal(t, 2.0, summary["meals"])
	assert.Equal(t, 354.0, summary["calories"])
	assert.NotContains(t, summary, "latestWeightKg")

	t.Run("should reject negative macros", func(t *testing.T) {
		payload := decode(t, exec.Dispatch(ctx, ToolLogMeal, map[string]interface{}{"description": "x", "calories": -5.0}))
		assert.Equal(t, false, payload["success"])
	})

	t.Run("should reject malformed date", func(t *testing.T) {
		payload := decode(t, exec.Dispatch(ctx, ToolDailySummary, map[string]interface{}{"date": "June 3"}))
		assert.Equal(t, false, payload["success"])
	})

	t.Run("should delete a user's entries", func(t *testing.T) {
		require.NoError(t, j.DeleteUser(ctx, "user-1"))
		s, err := j.Summary(ctx, "user-1", "2024-06-03")
		require.NoError(t, err)
		assert.Zero(t, s.Meals)

		s, err = j.Summary(ctx, "user-2", "2024-06-03")
		require.NoError(t, err)
		assert.Equal(t, 1, s.Meals)
	})
}

func TestLookupNutrition(t *testing.T) {
	exec, _, ctx := newTools(t)

	t.Run("should find foods by alias and plural", func(t *testing.T) {
		for _, name := range []string{"Oatmeal", "  oats ", "eggs", "Bananas", "brown  rice"} {
			facts, ok := Lookup(name)
			assert.True(t, ok, name)
			assert.NotZero(t, facts.Calories, name)
		}
	})

	t.Run("should return facts through the tool", func(t *testing.T) {
		payload := decode(t, exec.Dispatch(ctx, ToolLookupNutrition, map[string]interface{}{"food": "egg"}))
		assert.Equal(t, "egg", payload["food"])
		assert.Equal(t, 72.0, payload["calories"])
	})

	t.Run("should report unknown foods", func(t *testing.T) {
		payload := decode(t, exec.Dispatch(ctx, ToolLookupNutrition, map[string]interface{}{"food": "dragonfruit"}))
		assert.Equal(t, false, payload["success"])
		assert.Contains(t, payload["message"], "dragonfruit")
	})

	assert.Contains(t, Foods(), "salmon")
}
