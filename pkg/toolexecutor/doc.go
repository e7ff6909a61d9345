// Package toolexecutor registers tools and executes model-issued tool calls.
//
// Invariants:
//   - tool names are unique;
//   - arguments are parsed and schema-validated before anything runs;
//   - Execute never fails: parse, validation, handler, network and
//     sub-agent failures all become a Result whose content is
//     {"errors":[...]} so the model can react to them;
//   - every call emits tool_call before dispatch and tool_result after;
//   - ExecuteAll runs the calls of one model turn concurrently and
//     returns one Result per call, correlated by call id.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Config{Logger: logger})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]any) (any, error) { return params["text"], nil },
//	})
package toolexecutor
