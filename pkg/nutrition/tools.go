package nutrition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/harun/platepal/pkg/toolexecutor"
)

const (
	ToolLogMeal         = "log_meal"
	ToolLogWeight       = "log_weight"
	ToolLookupNutrition = "lookup_nutrition"
	ToolDailySummary    = "get_daily_summary"

	kgPerLb = 0.45359237
)

var errNoUser = errors.New("no user in tool context")

// RegisterTools registers the meal-tracking tools on exec.
func RegisterTools(exec *toolexecutor.ToolExecutor, journal *Journal) error {
	if exec == nil || journal == nil {
		return errors.New("tool executor and journal are required")
	}

	defs := []toolexecutor.ToolDefinition{
		{
			Name:        ToolLogMeal,
			Description: "Record a meal the user ate. Estimate macros when the user does not give them.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "description", Type: "string", Description: "What was eaten, e.g. 'two eggs and toast'", Required: true},
				{Name: "meal_type", Type: "string", Description: "Which meal this was", Enum: []string{"breakfast", "lunch", "dinner", "snack"}},
				{Name: "calories", Type: "number", Description: "Total kcal"},
				{Name: "protein_g", Type: "number", Description: "Protein in grams"},
				{Name: "carbs_g", Type: "number", Description: "Carbohydrates in grams"},
				{Name: "fat_g", Type: "number", Description: "Fat in grams"},
				{Name: "image_url", Type: "string", Description: "Photo of the meal, if the user sent one"},
			},
			Handler: logMealHandler(journal),
		},
		{
			Name:        ToolLogWeight,
			Description: "Record a body-weight measurement.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "weight", Type: "number", Description: "Measured weight", Required: true},
				{Name: "unit", Type: "string", Description: "Unit of weight, defaults to lb", Enum: []string{"lb", "kg"}, Default: "lb"},
			},
			Handler: logWeightHandler(journal),
		},
		{
			Name:        ToolLookupNutrition,
			Description: "Look up calories and macros for one serving of a common food.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "food", Type: "string", Description: "Food name, e.g. 'oatmeal'", Required: true},
			},
			Handler: lookupHandler,
		},
		{
			Name:        ToolDailySummary,
			Description: "Summarize calories and macros logged for a day and the latest weight.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "date", Type: "string", Description: "Day as YYYY-MM-DD, defaults to today"},
			},
			Handler: summaryHandler(journal),
		},
	}

	for _, def := range defs {
		if err := exec.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}

func logMealHandler(journal *Journal) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		userID := toolexecutor.UserIDFromContext(ctx)
		if userID == "" {
			return nil, errNoUser
		}
		description := strings.TrimSpace(stringArg(params, "description"))
		if description == "" {
			return nil, errors.New("description cannot be empty")
		}

		meal := Meal{
			UserID:      userID,
			Description: description,
			MealType:    stringArg(params, "meal_type"),
			Calories:    numberArg(params, "calories"),
			ProteinG:    numberArg(params, "protein_g"),
			CarbsG:      numberArg(params, "carbs_g"),
			FatG:        numberArg(params, "fat_g"),
			ImageURL:    stringArg(params, "image_url"),
		}
		if meal.Calories < 0 || meal.ProteinG < 0 || meal.CarbsG < 0 || meal.FatG < 0 {
			return nil, errors.New("nutrition values cannot be negative")
		}

		saved, err := journal.AddMeal(ctx, meal)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"success": true,
			"mealId":  saved.ID,
			"message": fmt.Sprintf("Logged %s (%.0f kcal).", saved.Description, saved.Calories),
		}, nil
	}
}

func logWeightHandler(journal *Journal) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		userID := toolexecutor.UserIDFromContext(ctx)
		if userID == "" {
			return nil, errNoUser
		}
		weight := numberArg(params, "weight")
		if weight <= 0 {
			return nil, errors.New("weight must be positive")
		}
		unit := stringArg(params, "unit")
		if unit == "" {
			unit = "lb"
		}

		kg := weight
		if unit == "lb" {
			kg = weight * kgPerLb
		}

		saved, err := journal.AddWeight(ctx, WeightEntry{UserID: userID, WeightKg: kg})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"success":  true,
			"entryId":  saved.ID,
			"weightKg": round1(kg),
			"message":  fmt.Sprintf("Logged %s %s.", trimFloat(weight), unit),
		}, nil
	}
}

func lookupHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	food := stringArg(params, "food")
	facts, ok := Lookup(food)
	if !ok {
		return nil, fmt.Errorf("no nutrition data for %q", food)
	}
	return facts, nil
}

func summaryHandler(journal *Journal) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		userID := toolexecutor.UserIDFromContext(ctx)
		if userID == "" {
			return nil, errNoUser
		}
		return journal.Summary(ctx, userID, stringArg(params, "date"))
	}
}

func stringArg(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func numberArg(params map[string]interface{}, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func trimFloat(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.1f", v), "0"), ".")
}
