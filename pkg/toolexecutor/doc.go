// Package toolexecutor registers local tools and dispatches the tool calls a
// remote agent asks for.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - Dispatch never returns an error: unknown tools, invalid arguments,
//   handler errors, timeouts and panics become {"success":false,"message":...}.
// - DispatchBatch returns one result per request, in request order.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.WithTimeout(10 * time.Second))
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	results := exec.DispatchBatch(ctx, state.PendingToolCalls)
package toolexecutor
