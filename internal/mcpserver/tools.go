package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the chatshield MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScreenMessage = mcp.NewTool("screen_message",
	mcp.WithDescription(
		"Screen a chat message for scam and harassment patterns. "+
			"Matching messages raise the sender's risk score. "+
			"Returns the action (allow, warn, review, block), the sender's status and score, and the matched patterns."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Id of the user who sent the message")),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("Message text exactly as sent")),
	mcp.WithString("message_id",
		mcp.Description("Id of the message. Generated when omitted.")),
)

var ToolGetRiskStatus = mcp.NewTool("get_risk_status",
	mcp.WithDescription(
		"Get a user's current risk score (0-100) and status (NORMAL, WARNED, RESTRICTED, BLOCKED). "+
			"Idle decay is applied to the preview but nothing is recorded."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Id of the user")),
)

var ToolListSignals = mcp.NewTool("list_signals",
	mcp.WithDescription(
		"List the risk signals recorded for a user, newest first. "+
			"Each signal shows the message, its severity and the patterns that matched."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Id of the user")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of signals to return (default 20, max 500)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call to fetch older signals")),
)

var ToolListRollups = mcp.NewTool("list_rollups",
	mcp.WithDescription(
		"List aggregated activity summaries for closed time windows. "+
			"Each summary counts events by kind and category. Requires the admin secret."),
	mcp.WithString("granularity",
		mcp.Description("Window size"),
		mcp.Enum("hourly", "daily")),
	mcp.WithString("from",
		mcp.Description("Earliest window start, RFC 3339 (e.g. '2026-10-01T00:00:00Z')")),
	mcp.WithString("to",
		mcp.Description("Exclusive upper bound on window start, RFC 3339")),
)
