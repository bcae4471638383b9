package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/attestgateway/pkg/types"
)

// RegisterTools registers all gateway tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	s.AddTool(countTool(), countHandler(client))
	s.AddTool(countAllTool(), countAllHandler(client))
	s.AddTool(networksTool(), networksHandler(client))
	s.AddTool(cacheStatsTool(), cacheStatsHandler(client))
	s.AddTool(lookupsTool(), lookupsHandler(client))
	s.AddTool(healthTool(), healthHandler(client))
}

// unreachable turns a client error into a tool error result. Categorized
// errors reported by the gateway are passed through as is.
func unreachable(err error) *gomcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Category != "" {
		return gomcp.NewToolResultError(apiErr.Error())
	}
	return gomcp.NewToolResultError(fmt.Sprintf("Gateway unreachable: %v\n\nIs the gateway running? Check GATEWAY_URL.", err))
}

func countTool() gomcp.Tool {
	return gomcp.NewTool("attestations_count",
		gomcp.WithDescription("Count EAS attestations where an address is attester or recipient, on a single network. Served from cache when fresh."),
		gomcp.WithString("network",
			gomcp.Required(),
			gomcp.Description("Network chain ID, e.g. 1, 10, 8453, 42161. See attestations_networks."),
		),
		gomcp.WithString("address",
			gomcp.Required(),
			gomcp.Description("Ethereum address, 0x-prefixed hex"),
		),
	)
}

func countHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		networkID, err := req.RequireString("network")
		if err != nil {
			return gomcp.NewToolResultError("network is required"), nil
		}
		address, err := req.RequireString("address")
		if err != nil {
			return gomcp.NewToolResultError("address is required"), nil
		}

		resp, err := client.Count(ctx, networkID, address)
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Attestations on network "+networkID),
			kv("Address", address),
			kv("Count", formatNumber(resp.Count)),
		)), nil
	}
}

func countAllTool() gomcp.Tool {
	return gomcp.NewTool("attestations_count_all",
		gomcp.WithDescription("Count EAS attestations for an address across every configured network, with per-network breakdown and total. A network whose registry fails reports 0."),
		gomcp.WithString("address",
			gomcp.Required(),
			gomcp.Description("Ethereum address, 0x-prefixed hex"),
		),
	)
}

func countAllHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		address, err := req.RequireString("address")
		if err != nil {
			return gomcp.NewToolResultError("address is required"), nil
		}

		resp, err := client.CountAll(ctx, address)
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatCountAll(address, resp)), nil
	}
}

func networksTool() gomcp.Tool {
	return gomcp.NewTool("attestations_networks",
		gomcp.WithDescription("List the networks the gateway queries, in aggregation order, with their registry endpoints."),
	)
}

func networksHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		resp, err := client.Networks(ctx)
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatNetworks(resp)), nil
	}
}

func cacheStatsTool() gomcp.Tool {
	return gomcp.NewTool("attestations_cache_stats",
		gomcp.WithDescription("Show count cache statistics: size, capacity, hits, misses, evictions, expirations."),
	)
}

func cacheStatsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		resp, err := client.CacheStats(ctx)
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatCacheStats(resp)), nil
	}
}

func lookupsTool() gomcp.Tool {
	return gomcp.NewTool("attestations_lookups",
		gomcp.WithDescription("List recent upstream registry lookups, newest first. Requires the gateway lookup log (DATABASE_PATH)."),
		gomcp.WithString("address",
			gomcp.Description("Only show lookups for this address"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results (default: 20, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	)
}

func lookupsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		offset := req.GetInt("offset", 0)
		address := req.GetString("address", "")

		resp, err := client.Lookups(ctx, address, limit, offset)
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatLookups(resp)), nil
	}
}

func healthTool() gomcp.Tool {
	return gomcp.NewTool("gateway_health",
		gomcp.WithDescription("Readiness check for the attestation gateway, including the lookup log database."),
	)
}

func healthHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
				return gomcp.NewToolResultError(fmt.Sprintf("Gateway unhealthy: %v", err)), nil
			}
			// Not ready still carries the check list.
			raw = json.RawMessage(apiErr.Message)
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	}
}

func formatCountAll(address string, resp *types.CountAllResponse) string {
	lines := joinLines(
		section("Attestations across networks"),
		kv("Address", address),
		kv("Total", formatNumber(resp.TotalCount)),
		"",
	)
	for _, c := range resp.Counts {
		lines += "\n" + kv("  "+c.Network, formatNumber(c.Count))
	}
	return lines
}

func formatNetworks(resp *types.NetworksResponse) string {
	lines := joinLines(
		section("Networks"),
		kv("Configured", len(resp.Networks)),
		"",
	)
	for _, n := range resp.Networks {
		lines += fmt.Sprintf("\n  %-8s %-15s %s", n.ID, n.Name, n.Endpoint)
	}
	return lines
}

func formatCacheStats(s *types.CacheStats) string {
	return joinLines(
		section("Count Cache"),
		kv("Size", fmt.Sprintf("%s / %s", formatNumber(s.Size), formatNumber(s.Capacity))),
		kv("Hits", formatNumber(s.Hits)),
		kv("Misses", formatNumber(s.Misses)),
		kv("Hit Ratio", formatRatio(s.HitRatio)),
		kv("Evictions", formatNumber(s.Evictions)),
		kv("Expirations", formatNumber(s.Expirations)),
	)
}

func formatLookups(p *types.PaginatedLookups) string {
	lines := joinLines(
		section("Registry Lookups"),
		kv("Total", formatNumber(p.Total)),
		"",
	)
	if len(p.Lookups) == 0 {
		return lines + "\nNo lookups found."
	}

	for _, l := range p.Lookups {
		status := "ok"
		if !l.Success {
			status = "failed (" + l.Error + ")"
		}
		lines += fmt.Sprintf("\n  %s  %-8s %s  count=%s  %s  %s",
			l.Timestamp.Format("2006-01-02 15:04:05"),
			l.Network,
			shortAddress(l.Address),
			formatNumber(l.Count),
			formatMs(l.LatencyMs),
			status,
		)
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := joinLines(
		section("Gateway Health: "+state),
		kv("Networks", formatNumber(getNum(m, "networks"))),
	)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
