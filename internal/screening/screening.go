// Package screening gates outgoing chat messages: it matches the text
// against the active pattern set, feeds the result into the sender's risk
// score and maps the resulting status to an action for the send path.
package screening

import (
	"errors"
	"time"

	"github.com/mbd888/chatshield/internal/patterns"
	"github.com/mbd888/chatshield/internal/risk"
	"github.com/mbd888/chatshield/internal/rollup"
)

// Action tells the send path what to do with a message.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionWarn   Action = "warn"
	ActionReview Action = "review"
	ActionBlock  Action = "block"
)

// ActionFor maps an enforcement status to an action.
func ActionFor(s risk.Status) Action {
	switch s {
	case risk.StatusWarned:
		return ActionWarn
	case risk.StatusRestricted:
		return ActionReview
	case risk.StatusBlocked:
		return ActionBlock
	default:
		return ActionAllow
	}
}

var (
	ErrInvalidMessage = errors.New("screening: invalid message")
	ErrNoPatternSet   = errors.New("screening: no pattern set loaded")
)

// Message is one outgoing message submitted for screening.
type Message struct {
	MessageID string `json:"messageId" validate:"required,chatid"`
	UserID    string `json:"userId" validate:"required,chatid"`
	Text      string `json:"text" validate:"utf8"`
}

// Verdict is the screening result returned to the send path.
type Verdict struct {
	MessageID         string           `json:"messageId"`
	UserID            string           `json:"userId"`
	Action            Action           `json:"action"`
	Status            risk.Status      `json:"status"`
	PreviousStatus    risk.Status      `json:"previousStatus,omitempty"`
	Score             int              `json:"score"`
	Severity          int              `json:"severity"`
	Matches           []patterns.Match `json:"matches"`
	PatternSetVersion string           `json:"patternSetVersion"`
	SignalID          string           `json:"signalId,omitempty"`
	Degraded          bool             `json:"degraded"`
	ScreenedAt        time.Time        `json:"screenedAt"`
}

// StatusChanged reports whether this screening moved the user to a new status.
func (v *Verdict) StatusChanged() bool {
	return v.PreviousStatus != "" && v.PreviousStatus != v.Status
}

// Publisher receives moderation events for live subscribers.
type Publisher interface {
	PublishSignal(sig *risk.RiskSignal)
	PublishStatusChange(userID string, from, to risk.Status, score int)
}

// EventSink receives rollup events. Send must not block.
type EventSink interface {
	Send(events ...rollup.Event)
}
