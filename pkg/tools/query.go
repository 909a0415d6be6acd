package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/agentjobs/pkg/agent"
	"github.com/tidwall/gjson"
)

// JSONQuery returns the json_query tool. Paths use gjson syntax, for
// example "items.#.name" or `items.#(price>10).name`.
func JSONQuery() agent.Tool {
	return agent.Tool{
		Name:        "json_query",
		Description: "Select values from a JSON document with a path expression such as items.#.name.",
		Parameters: []agent.ToolParameter{
			{Name: "document", Type: "string", Description: "JSON text to query", Required: true},
			{Name: "path", Type: "string", Description: "gjson path expression", Required: true},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return Query(stringArg(args, "document"), stringArg(args, "path"))
		},
	}
}

// Query evaluates path against document.
func Query(document, path string) (map[string]any, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if !gjson.Valid(document) {
		return nil, fmt.Errorf("document is not valid JSON")
	}
	res := gjson.Get(document, path)
	if !res.Exists() {
		return map[string]any{"path": path, "found": false, "value": nil}, nil
	}

	var value any
	if err := json.Unmarshal([]byte(res.Raw), &value); err != nil {
		value = res.Value()
	}
	return map[string]any{"path": path, "found": true, "value": value}, nil
}
