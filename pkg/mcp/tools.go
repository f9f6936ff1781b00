package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/formicaio/pkg/types"
)

// toolDef describes one MCP tool: name, prose description, and a
// JSON-Schema for its arguments, per spec.md §4.7.
type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

var nodeIDSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"node_id": map[string]any{"type": "string"},
	},
	"required": []string{"node_id"},
}

var emptySchema = map[string]any{"type": "object", "properties": map[string]any{}}

var createNodeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"node_ip":            map[string]any{"type": "string"},
		"port":               map[string]any{"type": "integer"},
		"metrics_port":       map[string]any{"type": "integer"},
		"rewards_addr":       map[string]any{"type": "string"},
		"upnp":               map[string]any{"type": "boolean"},
		"reachability_check": map[string]any{"type": "boolean"},
		"node_logs":          map[string]any{"type": "boolean"},
		"auto_start":         map[string]any{"type": "boolean"},
		"data_dir_path":      map[string]any{"type": "string"},
	},
	"required": []string{"node_ip", "rewards_addr"},
}

// tools is the closed tool set from spec.md §4.7: exactly these 8,
// no more, no fewer.
var tools = []toolDef{
	{Name: "fetch_stats", Description: "Return the latest fleet-wide aggregate stats snapshot.", InputSchema: emptySchema},
	{Name: "nodes_instances", Description: "Return the full node list with stats and scheduled batches.", InputSchema: emptySchema},
	{Name: "create_node_instance", Description: "Create and register a new supervised node.", InputSchema: createNodeSchema},
	{Name: "start_node_instance", Description: "Start a stopped node.", InputSchema: nodeIDSchema},
	{Name: "stop_node_instance", Description: "Stop a running node.", InputSchema: nodeIDSchema},
	{Name: "delete_node_instance", Description: "Delete a node and its data.", InputSchema: nodeIDSchema},
	{Name: "upgrade_node_instance", Description: "Upgrade a node's binary in place.", InputSchema: nodeIDSchema},
	{Name: "recycle_node_instance", Description: "Recycle a node (regenerate its peer identity).", InputSchema: nodeIDSchema},
}

type nodeIDArgs struct {
	NodeID types.NodeID `json:"node_id"`
}

// callTool dispatches one tools/call invocation by name, matching
// spec.md §4.7's "one method per NodeManager action".
func (s *Server) callTool(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	switch name {
	case "fetch_stats":
		if s.bg == nil {
			return types.Stats{}, nil
		}
		return s.bg.Stats(), nil

	case "nodes_instances":
		list, err := s.mgr.ListNodes(ctx, nil)
		if err != nil {
			return nil, err
		}
		if s.bg != nil {
			list.Stats = s.bg.Stats()
		}
		if s.sched != nil {
			list.ScheduledBatches = s.sched.List()
		}
		return list, nil

	case "create_node_instance":
		var opts types.NodeOpts
		if err := json.Unmarshal(rawArgs, &opts); err != nil {
			return nil, types.NewError(types.KindInvalidInput, err)
		}
		return s.mgr.CreateNode(ctx, opts)

	case "start_node_instance":
		args, err := parseNodeIDArgs(rawArgs)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.StartNode(ctx, args.NodeID)

	case "stop_node_instance":
		args, err := parseNodeIDArgs(rawArgs)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.StopNode(ctx, args.NodeID)

	case "delete_node_instance":
		args, err := parseNodeIDArgs(rawArgs)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.DeleteNode(ctx, args.NodeID)

	case "upgrade_node_instance":
		args, err := parseNodeIDArgs(rawArgs)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.UpgradeNode(ctx, args.NodeID)

	case "recycle_node_instance":
		args, err := parseNodeIDArgs(rawArgs)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.RecycleNode(ctx, args.NodeID)

	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func parseNodeIDArgs(raw json.RawMessage) (nodeIDArgs, error) {
	var args nodeIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, types.NewError(types.KindInvalidInput, err)
	}
	if args.NodeID == "" {
		return args, types.NewError(types.KindInvalidInput, fmt.Errorf("node_id is required"))
	}
	return args, nil
}
