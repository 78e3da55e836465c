// ABOUTME: Anthropic Messages API implementation of the agent Connection.
// ABOUTME: Carries conversation history client-side and runs the tool-use loop.

package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/parleyhq/parley-gateway/internal/tools"
)

// defaultMaxToolRounds bounds how many tool round-trips one turn may take.
const defaultMaxToolRounds = 8

// AnthropicConfig configures connections dialed against the Messages API.
type AnthropicConfig struct {
	// APIKey authenticates with the API. Empty means read ANTHROPIC_API_KEY
	// from the environment.
	APIKey string

	// Model is the model name, e.g. "claude-3-5-haiku-latest".
	Model string

	// SystemPrompt is sent with every request on the connection.
	SystemPrompt string

	// MaxTokens caps the response length per request.
	MaxTokens int64

	// MaxToolRounds caps tool round-trips within a single turn.
	// Zero means defaultMaxToolRounds.
	MaxToolRounds int

	// Tools are the local callbacks offered to the model. Nil means no tools.
	Tools *tools.Registry

	Logger *slog.Logger
}

// AnthropicDialer creates Messages API connections.
type AnthropicDialer struct {
	cfg    AnthropicConfig
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicDialer creates a dialer. The underlying HTTP client is shared
// by every connection it dials; conversational history is not.
func NewAnthropicDialer(cfg AnthropicConfig) *AnthropicDialer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var client anthropic.Client
	if cfg.APIKey != "" {
		client = anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	} else {
		client = anthropic.NewClient()
	}
	return &AnthropicDialer{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "anthropic"),
	}
}

// Dial returns a fresh connection with empty conversation history.
func (d *AnthropicDialer) Dial(ctx context.Context) (Connection, error) {
	return &anthropicConn{
		cfg:    d.cfg,
		client: d.client,
		logger: d.logger,
	}, nil
}

// anthropicConn is one conversation. History lives here, so continuity is
// structural: every turn replays the accumulated messages.
type anthropicConn struct {
	cfg     AnthropicConfig
	client  anthropic.Client
	logger  *slog.Logger
	history []anthropic.MessageParam
	closed  bool
}

func (c *anthropicConn) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if c.closed {
		return nil, fmt.Errorf("connection closed")
	}

	userBlocks, err := buildUserBlocks(req)
	if err != nil {
		return nil, err
	}

	// Work on a copy; history is committed only when the turn succeeds,
	// so a failed turn never corrupts the conversation.
	msgs := make([]anthropic.MessageParam, len(c.history), len(c.history)+2)
	copy(msgs, c.history)
	msgs = append(msgs, anthropic.NewUserMessage(userBlocks...))

	maxRounds := c.cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	var (
		total      Usage
		text       strings.Builder
		stopReason anthropic.StopReason
	)

	for round := 0; ; round++ {
		if round >= maxRounds {
			return nil, fmt.Errorf("turn exceeded %d tool rounds", maxRounds)
		}

		msg, err := c.client.Messages.New(ctx, c.buildParams(msgs))
		if err != nil {
			return nil, fmt.Errorf("messages request: %w", err)
		}

		total.Add(Usage{
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
		})
		stopReason = msg.StopReason

		assistantBlocks, toolUses := splitContent(msg, &text)
		msgs = append(msgs, anthropic.NewAssistantMessage(assistantBlocks...))

		if msg.StopReason != anthropic.StopReasonToolUse {
			break
		}

		results, err := c.runTools(ctx, toolUses)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, anthropic.NewUserMessage(results...))
	}

	c.history = msgs
	cost := CostUSD(c.cfg.Model, total)

	c.logger.Debug("turn complete",
		"stop_reason", string(stopReason),
		"input_tokens", total.InputTokens,
		"output_tokens", total.OutputTokens,
		"cost_usd", cost,
	)

	return &TurnResult{
		Text:       text.String(),
		StopReason: string(stopReason),
		Usage:      total,
		CostUSD:    cost,
	}, nil
}

// Close drops the conversation history. Idempotent.
func (c *anthropicConn) Close() error {
	c.closed = true
	c.history = nil
	return nil
}

func (c *anthropicConn) buildParams(msgs []anthropic.MessageParam) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		Messages:  msgs,
		MaxTokens: c.cfg.MaxTokens,
	}
	if c.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.cfg.SystemPrompt}}
	}
	if c.cfg.Tools != nil {
		for _, t := range c.cfg.Tools.List() {
			schemaBytes, err := json.Marshal(t.InputSchema)
			if err != nil {
				c.logger.Warn("skipping tool with unmarshalable schema", "tool", t.Name, "error", err)
				continue
			}
			params.Tools = append(params.Tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: param.NewOpt(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: json.RawMessage(schemaBytes),
					},
				},
			})
		}
	}
	return params
}

// toolUse is one pending tool invocation from an assistant message.
type toolUse struct {
	id    string
	name  string
	input json.RawMessage
}

// splitContent converts response content into assistant message blocks,
// appending any text to out and collecting tool invocations.
func splitContent(msg *anthropic.Message, out *strings.Builder) ([]anthropic.ContentBlockParamUnion, []toolUse) {
	var blocks []anthropic.ContentBlockParamUnion
	var uses []toolUse

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.WriteString(block.Text)
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
		case "tool_use":
			var input map[string]any
			if err := json.Unmarshal(block.Input, &input); err != nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			uses = append(uses, toolUse{id: block.ID, name: block.Name, input: block.Input})
		}
	}
	return blocks, uses
}

// runTools executes each requested tool and returns the result blocks.
// Unknown tools and tool failures become error results for the model
// rather than failing the turn.
func (c *anthropicConn) runTools(ctx context.Context, uses []toolUse) ([]anthropic.ContentBlockParamUnion, error) {
	results := make([]anthropic.ContentBlockParamUnion, 0, len(uses))
	for _, use := range uses {
		tool, ok := c.cfg.Tools.Get(use.name)
		if !ok {
			results = append(results, anthropic.NewToolResultBlock(use.id, fmt.Sprintf("unknown tool: %s", use.name), true))
			continue
		}

		var args map[string]any
		if len(use.input) > 0 {
			if err := json.Unmarshal(use.input, &args); err != nil {
				results = append(results, anthropic.NewToolResultBlock(use.id, fmt.Sprintf("invalid tool input: %v", err), true))
				continue
			}
		}

		output, err := tool.Run(ctx, args)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("tool failed", "tool", use.name, "error", err)
			results = append(results, anthropic.NewToolResultBlock(use.id, err.Error(), true))
			continue
		}

		c.logger.Debug("tool executed", "tool", use.name)
		results = append(results, anthropic.NewToolResultBlock(use.id, output, false))
	}
	return results, nil
}

// buildUserBlocks assembles the content blocks for one prompt: attachments
// first, then the user's text.
func buildUserBlocks(req TurnRequest) ([]anthropic.ContentBlockParamUnion, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Attachments)+1)
	for _, att := range req.Attachments {
		block, err := attachmentBlock(att)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return append(blocks, anthropic.NewTextBlock(req.Prompt)), nil
}

// attachmentBlock converts one attachment into a content block by MIME class.
func attachmentBlock(att Attachment) (anthropic.ContentBlockParamUnion, error) {
	switch {
	case att.MimeType == "application/pdf":
		data := base64.StdEncoding.EncodeToString(att.Data)
		return anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: data}), nil

	case strings.HasPrefix(att.MimeType, "image/"):
		data := base64.StdEncoding.EncodeToString(att.Data)
		return anthropic.NewImageBlockBase64(att.MimeType, data), nil

	case strings.HasPrefix(att.MimeType, "text/") || isTextualApplicationType(att.MimeType):
		return anthropic.NewTextBlock(formatTextAttachment(att)), nil

	default:
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported attachment type %q (%s)", att.MimeType, att.Filename)
	}
}

// isTextualApplicationType reports whether an application/* MIME type
// carries plain text (JSON, XML, YAML).
func isTextualApplicationType(mimeType string) bool {
	switch mimeType {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml":
		return true
	}
	return false
}

// formatTextAttachment frames a text file so the model sees its provenance.
func formatTextAttachment(att Attachment) string {
	return fmt.Sprintf("=== **file**: %s ===\n**MIME type**: %s\n**file size**: %d bytes\n\n%s",
		att.Filename, att.MimeType, len(att.Data), att.Data)
}
