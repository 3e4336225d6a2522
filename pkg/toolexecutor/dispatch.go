package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/platepal/internal/tracing"
	"github.com/harun/platepal/pkg/assistant"
	"go.opentelemetry.io/otel/attribute"
)

// failurePayload is what the remote agent receives when a call cannot
// produce a result.
type failurePayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// FailureOutput encodes a structured failure for the remote agent.
func FailureOutput(message string) string {
	data, err := json.Marshal(failurePayload{Success: false, Message: message})
	if err != nil {
		return `{"success":false,"message":"tool failed"}`
	}
	return string(data)
}

// Dispatch runs one tool and returns the output payload for the remote
// agent. It never fails: every problem becomes a failure payload.
func (te *ToolExecutor) Dispatch(ctx context.Context, name string, args map[string]interface{}) string {
	return te.dispatch(ctx, name, args, ExecContextFromContext(ctx))
}

func (te *ToolExecutor) dispatch(ctx context.Context, name string, args map[string]interface{}, execCtx *ExecutionContext) string {
	result := te.Execute(ctx, name, args, execCtx)
	if !result.Success {
		return FailureOutput(result.Error)
	}
	return encodeOutput(result.Output)
}

func encodeOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return `{"success":true}`
	case string:
		return v
	case []byte:
		return string(v)
	}
	data, err := json.Marshal(output)
	if err != nil {
		return FailureOutput(fmt.Sprintf("failed to encode tool output: %v", err))
	}
	return string(data)
}

// DispatchBatch runs every call concurrently and returns exactly one result
// per request, in request order. A failing or panicking handler only affects
// its own result.
func (te *ToolExecutor) DispatchBatch(ctx context.Context, calls []assistant.ToolCallRequest) []assistant.ToolCallResult {
	ctx, span := tracing.StartSpan(ctx, "platepal.toolexecutor", "toolexecutor.dispatch_batch",
		attribute.Int("calls", len(calls)))
	defer span.End()

	base := ExecContextFromContext(ctx)
	results := make([]assistant.ToolCallResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call assistant.ToolCallRequest) {
			defer wg.Done()
			results[i] = assistant.ToolCallResult{
				ID:     call.ID,
				Output: te.dispatchCall(ctx, call, base),
			}
		}(i, call)
	}
	wg.Wait()

	return results
}

func (te *ToolExecutor) dispatchCall(ctx context.Context, call assistant.ToolCallRequest, base *ExecutionContext) string {
	args := call.Args
	if args == nil {
		raw := strings.TrimSpace(call.RawArgs)
		if raw != "" && raw != "{}" && raw != "null" {
			return FailureOutput(fmt.Sprintf("invalid arguments for %s: not a JSON object", call.Name))
		}
		args = map[string]interface{}{}
	}

	execCtx := &ExecutionContext{ToolCallID: call.ID}
	if base != nil {
		copied := *base
		copied.ToolCallID = call.ID
		execCtx = &copied
	}
	return te.dispatch(ctx, call.Name, args, execCtx)
}

// Definitions exports every registered tool as a function tool for agent
// profile creation, sorted by name.
func (te *ToolExecutor) Definitions() []assistant.FunctionTool {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]assistant.FunctionTool, 0, len(te.tools))
	for name, tool := range te.tools {
		defs = append(defs, assistant.FunctionTool{
			Name:        name,
			Description: tool.Description,
			Parameters:  te.params[name],
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
