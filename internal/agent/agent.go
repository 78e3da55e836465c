// ABOUTME: Contract between the session layer and the upstream chat agent.
// ABOUTME: Defines connections, turn requests/results, and usage metadata.

package agent

import (
	"context"
)

// Connection is a stateful conversational channel to the upstream agent.
// It preserves conversational memory across turns, so reusing a connection
// continues the same dialogue.
//
// A Connection is not safe for concurrent use. Callers must serialize
// turns; the session registry's per-record turn lock provides this.
type Connection interface {
	// RunTurn submits one prompt and blocks until the agent's reply is
	// complete. On error the conversation state is unchanged and the
	// connection remains usable for another attempt.
	RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)

	// Close releases the connection. The connection must not be used
	// after Close returns.
	Close() error
}

// Dialer creates connections to the upstream agent. Dialing is expensive,
// so the session registry dials once per session and reuses the result.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// TurnRequest is a single prompt submission.
type TurnRequest struct {
	Prompt      string
	Attachments []Attachment
}

// Attachment is a file included with a prompt.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Text       string
	StopReason string
	Usage      Usage
	CostUSD    float64
}

// Usage reports token consumption for one turn. For turns that involve
// tool invocations, counts are summed across all requests in the turn.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}
