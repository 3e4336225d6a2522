// Package nutrition is the meal and weight journal behind the coach's tools.
//
// RegisterTools exposes four tools to the remote agent: log_meal, log_weight,
// lookup_nutrition and get_daily_summary. Handlers find the acting user
// through toolexecutor.UserIDFromContext. Weights are stored in kilograms.
package nutrition
