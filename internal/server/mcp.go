package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/notifywatch/internal/store"
	"github.com/hazyhaar/notifywatch/rules"
)

// RegisterMCP registers the rule administration tools on srv.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerListRulesTool(srv)
	s.registerAddRuleTool(srv)
	s.registerIgnoreAppTool(srv)
}

// prop describes one tool argument.
type prop struct {
	typ, desc string
	enum      []any
}

// objectSchema builds the JSON schema of a tool's arguments object.
func objectSchema(props map[string]prop, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, p := range props {
		m := map[string]any{"type": p.typ, "description": p.desc}
		if len(p.enum) > 0 {
			m["enum"] = p.enum
		}
		properties[name] = m
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// addTool registers a tool whose arguments decode into a fresh T and whose
// result is returned as JSON text. Failures become tool errors.
func addTool[T any](srv *mcp.Server, tool *mcp.Tool, fn func(context.Context, *T) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := new(T)
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, args); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}
		out, err := fn(ctx, args)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

type listRulesRequest struct{}

type listRulesResponse struct {
	Rules       []store.Stored `json:"rules"`
	IgnoredApps []string       `json:"ignored_apps"`
	PendingRule *rules.RawRule `json:"pending_rule"`
}

func (s *Server) registerListRulesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "notifywatch_list_rules",
		Description: "List the watch rules with their ids, the ignored app names and the pending rule, if any.",
		InputSchema: objectSchema(nil),
	}
	addTool(srv, tool, func(ctx context.Context, _ *listRulesRequest) (any, error) {
		list, err := s.store.Rules(ctx)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []store.Stored{}
		}
		snap := s.Snapshot()
		return listRulesResponse{Rules: list, IgnoredApps: snap.IgnoredApps, PendingRule: snap.PendingRule}, nil
	})
}

type addRuleRequest struct {
	Name            string   `json:"name"`
	URLContains     string   `json:"url_contains"`
	Type            string   `json:"type"`
	Selector        string   `json:"selector"`
	Condition       string   `json:"condition,omitempty"`
	BaselineText    string   `json:"baseline_text,omitempty"`
	LengthThreshold *float64 `json:"length_threshold,omitempty"`
}

func (s *Server) registerAddRuleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "notifywatch_add_rule",
		Description: "Add a watch rule. Element rules watch a CSS selector; text rules watch for a text anywhere on matching pages.",
		InputSchema: objectSchema(map[string]prop{
			"name":         {typ: "string", desc: "Rule name, used as the notification app name"},
			"url_contains": {typ: "string", desc: "Substring the page URL must contain (empty matches every page)"},
			"type":         {typ: "string", desc: "Rule kind (default element)", enum: []any{rules.KindElement, rules.KindElementText}},
			"selector":     {typ: "string", desc: "CSS selector for element rules, searched text for text rules"},
			"condition": {typ: "string", desc: "Condition (default element for element rules, element_text for text rules)", enum: []any{
				rules.CondTextEquals, rules.CondTextDiffers, rules.CondTextContains, rules.CondTextNotContains,
				rules.CondTextLengthGT, rules.CondTextLengthLT, rules.CondElement, rules.CondElementText,
			}},
			"baseline_text":    {typ: "string", desc: "Baseline for text comparisons"},
			"length_threshold": {typ: "number", desc: "Threshold for length comparisons"},
		}, "name", "selector"),
	}
	addTool(srv, tool, func(ctx context.Context, r *addRuleRequest) (any, error) {
		raw := rules.RawRule{
			Name:         rules.Loose(r.Name),
			URLContains:  rules.Loose(r.URLContains),
			Type:         rules.Loose(r.Type),
			Selector:     rules.Loose(r.Selector),
			Condition:    rules.Loose(r.Condition),
			BaselineText: rules.Loose(r.BaselineText),
		}
		if r.LengthThreshold != nil {
			raw.LengthThreshold = rules.Num(*r.LengthThreshold)
		}
		clean, ok := rules.Sanitize(raw, "mcp", s.cfg.Now())
		if !ok {
			return nil, fmt.Errorf("invalid rule: selector is required")
		}
		clean = rules.Normalize(clean)
		id, err := s.store.AddRule(ctx, clean)
		if err != nil {
			return nil, err
		}
		s.written()
		return store.Stored{ID: id, Rule: clean}, nil
	})
}

type ignoreAppRequest struct {
	Name string `json:"name"`
}

func (s *Server) registerIgnoreAppTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "notifywatch_ignore_app",
		Description: "Stop forwarding notifications whose app name (rule name) matches exactly.",
		InputSchema: objectSchema(map[string]prop{
			"name": {typ: "string", desc: "App name to ignore"},
		}, "name"),
	}
	addTool(srv, tool, func(ctx context.Context, r *ignoreAppRequest) (any, error) {
		added, err := s.store.AddIgnored(ctx, r.Name)
		if err != nil {
			return nil, err
		}
		s.written()
		return map[string]any{"name": r.Name, "added": added}, nil
	})
}
