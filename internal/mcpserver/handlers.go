package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/chatshield/internal/idgen"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleScreenMessage screens one message.
func (h *Handlers) HandleScreenMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	text := req.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	messageID := req.GetString("message_id", "")
	if messageID == "" {
		messageID = idgen.WithPrefix("mcp_")
	}

	raw, err := h.client.Screen(ctx, messageID, userID, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to screen message: %v", err)), nil
	}

	out, err := formatVerdict(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}
	return mcp.NewToolResultText(out), nil
}

// HandleGetRiskStatus returns a user's risk status.
func (h *Handlers) HandleGetRiskStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetRisk(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk status: %v", err)), nil
	}

	out, err := formatRisk(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk status: %v", err)), nil
	}
	return mcp.NewToolResultText(out), nil
}

// HandleListSignals lists a user's risk signals.
func (h *Handlers) HandleListSignals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListSignals(ctx, userID, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list signals: %v", err)), nil
	}

	out, err := formatSignals(userID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse signals: %v", err)), nil
	}
	return mcp.NewToolResultText(out), nil
}

// HandleListRollups lists aggregated summaries.
func (h *Handlers) HandleListRollups(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	granularity := req.GetString("granularity", "hourly")
	from := req.GetString("from", "")
	to := req.GetString("to", "")

	raw, err := h.client.ListRollups(ctx, granularity, from, to)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rollups: %v", err)), nil
	}

	out, err := formatRollups(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rollups: %v", err)), nil
	}
	return mcp.NewToolResultText(out), nil
}

// --- Response shapes ---
// Decoded locally so the tool output does not depend on server packages.

type match struct {
	PatternID string `json:"patternId"`
	Category  string `json:"category"`
	Weight    int    `json:"weight"`
}

type verdictResponse struct {
	Verdict struct {
		MessageID         string  `json:"messageId"`
		UserID            string  `json:"userId"`
		Action            string  `json:"action"`
		Status            string  `json:"status"`
		PreviousStatus    string  `json:"previousStatus"`
		Score             int     `json:"score"`
		Severity          int     `json:"severity"`
		Matches           []match `json:"matches"`
		PatternSetVersion string  `json:"patternSetVersion"`
		Degraded          bool    `json:"degraded"`
	} `json:"verdict"`
}

type riskResponse struct {
	Risk struct {
		UserID        string    `json:"userId"`
		Score         int       `json:"score"`
		Status        string    `json:"status"`
		LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	} `json:"risk"`
	Action string `json:"action"`
}

type signalsResponse struct {
	Signals []struct {
		ID              string    `json:"id"`
		MessageID       string    `json:"messageId"`
		Severity        int       `json:"severity"`
		MatchedPatterns []match   `json:"matchedPatterns"`
		CreatedAt       time.Time `json:"createdAt"`
	} `json:"signals"`
	Count      int    `json:"count"`
	NextCursor string `json:"nextCursor"`
}

type rollupsResponse struct {
	Granularity string `json:"granularity"`
	Rollups     []struct {
		WindowStart time.Time `json:"windowStart"`
		WindowEnd   time.Time `json:"windowEnd"`
		TotalEvents int64     `json:"totalEvents"`
		Buckets     []struct {
			Kind     string `json:"kind"`
			Category string `json:"category"`
			Count    int64  `json:"count"`
			Sum      int64  `json:"sum"`
		} `json:"buckets"`
		Digest string `json:"digest"`
	} `json:"rollups"`
	Count int `json:"count"`
}

// --- Formatting helpers ---

func formatVerdict(raw json.RawMessage) (string, error) {
	var resp verdictResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	v := resp.Verdict

	var sb strings.Builder
	fmt.Fprintf(&sb, "Action: %s\n", strings.ToUpper(v.Action))
	if v.PreviousStatus != "" && v.PreviousStatus != v.Status {
		fmt.Fprintf(&sb, "Status: %s -> %s (score %d/100)\n", v.PreviousStatus, v.Status, v.Score)
	} else {
		fmt.Fprintf(&sb, "Status: %s (score %d/100)\n", v.Status, v.Score)
	}
	if v.Degraded {
		sb.WriteString("Warning: risk store unavailable, status is the fail-closed default\n")
	}
	if len(v.Matches) == 0 {
		sb.WriteString("No patterns matched.\n")
	} else {
		fmt.Fprintf(&sb, "Severity: %d\nMatched patterns:\n", v.Severity)
		for _, m := range v.Matches {
			fmt.Fprintf(&sb, "  - %s (%s, weight %d)\n", m.PatternID, m.Category, m.Weight)
		}
	}
	fmt.Fprintf(&sb, "Pattern set: %s\n", v.PatternSetVersion)
	return sb.String(), nil
}

func formatRisk(raw json.RawMessage) (string, error) {
	var resp riskResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User: %s\n", resp.Risk.UserID)
	fmt.Fprintf(&sb, "Score: %d/100\n", resp.Risk.Score)
	fmt.Fprintf(&sb, "Status: %s\n", resp.Risk.Status)
	fmt.Fprintf(&sb, "Action on next message: %s\n", resp.Action)
	if !resp.Risk.LastUpdatedAt.IsZero() {
		fmt.Fprintf(&sb, "Last signal: %s\n", resp.Risk.LastUpdatedAt.Format(time.RFC3339))
	}
	return sb.String(), nil
}

func formatSignals(userID string, raw json.RawMessage) (string, error) {
	var resp signalsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Signals) == 0 {
		return fmt.Sprintf("No risk signals recorded for %s.", userID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d signal(s) for %s:\n", len(resp.Signals), userID)
	for _, s := range resp.Signals {
		ids := make([]string, 0, len(s.MatchedPatterns))
		for _, m := range s.MatchedPatterns {
			ids = append(ids, m.PatternID)
		}
		fmt.Fprintf(&sb, "  %s  severity %-3d  message %s  [%s]\n",
			s.CreatedAt.Format(time.RFC3339), s.Severity, s.MessageID, strings.Join(ids, ", "))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "More signals available, cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatRollups(raw json.RawMessage) (string, error) {
	var resp rollupsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Rollups) == 0 {
		return "No summaries stored for this range.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s summaries:\n", len(resp.Rollups), resp.Granularity)
	for _, r := range resp.Rollups {
		fmt.Fprintf(&sb, "\n%s to %s: %d events\n",
			r.WindowStart.Format(time.RFC3339), r.WindowEnd.Format(time.RFC3339), r.TotalEvents)
		for _, b := range r.Buckets {
			name := b.Kind
			if b.Category != "" {
				name += "/" + b.Category
			}
			if b.Sum != 0 {
				fmt.Fprintf(&sb, "  %-40s count %d  sum %d\n", name, b.Count, b.Sum)
			} else {
				fmt.Fprintf(&sb, "  %-40s count %d\n", name, b.Count)
			}
		}
	}
	return sb.String(), nil
}
