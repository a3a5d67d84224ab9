// ABOUTME: Standalone stdio MCP server exposing arithmetic tools.
// ABOUTME: Serves as a real child process for exercising the runtime's external server transport.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var version = "dev"

type addParams struct {
	A float64 `json:"a" jsonschema:"first addend"`
	B float64 `json:"b" jsonschema:"second addend"`
}

type evalParams struct {
	Expression string `json:"expression" jsonschema:"arithmetic expression to evaluate"`
}

func main() {
	log.SetOutput(os.Stderr)

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "calctool", Version: version}, nil)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "add",
		Description: "Add two numbers",
	}, handleAdd)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "eval",
		Description: "Evaluate an arithmetic expression with +, -, *, /, and parentheses",
	}, handleEval)

	if err := server.Run(context.Background(), &mcpsdk.StdioTransport{}); err != nil {
		log.Printf("component=calctool action=exit err=%v", err)
		os.Exit(1)
	}
}

func handleAdd(ctx context.Context, req *mcpsdk.CallToolRequest, params *addParams) (*mcpsdk.CallToolResult, any, error) {
	sum := params.A + params.B
	return textResult(formatNumber(sum)), nil, nil
}

func handleEval(ctx context.Context, req *mcpsdk.CallToolRequest, params *evalParams) (*mcpsdk.CallToolResult, any, error) {
	value, err := evalExpression(params.Expression)
	if err != nil {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
		}, nil, nil
	}
	return textResult(formatNumber(value)), nil, nil
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

// formatNumber renders integers without a decimal point.
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return fmt.Sprintf("%g", v)
}
