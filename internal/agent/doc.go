// Package agent defines the contract with the upstream chat agent and its
// Anthropic Messages API implementation.
//
// # Connection Model
//
// A Connection is one ongoing dialogue. The Anthropic implementation keeps
// the message history inside the connection and replays it on every turn,
// so continuity is structural: whoever holds the connection holds the
// conversation.
//
//	dialer := agent.NewAnthropicDialer(agent.AnthropicConfig{
//	    Model:        "claude-3-5-haiku-latest",
//	    SystemPrompt: "You are a helpful assistant.",
//	    MaxTokens:    4096,
//	    Tools:        tools.GeneralTools(),
//	})
//	conn, err := dialer.Dial(ctx)
//	result, err := conn.RunTurn(ctx, agent.TurnRequest{Prompt: "hello"})
//
// # Turn Semantics
//
// RunTurn drives one prompt to completion, including any tool round-trips
// the model requests. History is committed only when the whole turn
// succeeds; a failed turn leaves the conversation exactly as it was, so
// the caller may retry.
//
// Connections are not safe for concurrent use. The session registry's
// per-record turn lock is the serialization point.
//
// # Cost
//
// The API reports token usage, not dollars. CostUSD converts usage to an
// estimate using a per-model-family pricing table.
package agent
