// Package translator converts request/response bodies between the Claude
// Messages wire format and the OpenAI Chat Completions wire format,
// operating on raw JSON via gjson/sjson rather than full struct
// round-trips — the same field-patch approach the teacher uses for its own
// provider-shape adjustments.
package translator

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Dialect identifies which wire format a body is in.
type Dialect string

const (
	DialectClaude Dialect = "claude"
	DialectOpenAI Dialect = "openai"
)

// RequestToProvider rewrites an inbound request body (already known to be
// in `from`'s shape) into the shape the chosen upstream provider expects.
// Gemini and Vertex both speak the Claude-ish "contents" shape closely
// enough that only the OpenAI direction needs real translation; `to` names
// the target dialect for everything else.
func RequestToProvider(body []byte, from, to Dialect) ([]byte, error) {
	if from == to {
		return body, nil
	}
	switch {
	case from == DialectClaude && to == DialectOpenAI:
		return claudeRequestToOpenAI(body)
	case from == DialectOpenAI && to == DialectClaude:
		return openAIRequestToClaude(body)
	default:
		return nil, fmt.Errorf("translator: unsupported request direction %s -> %s", from, to)
	}
}

// ResponseFromProvider is RequestToProvider's inverse, applied to a
// provider's response body before it's written back to the client in its
// original dialect.
func ResponseFromProvider(body []byte, providerDialect, clientDialect Dialect) ([]byte, error) {
	if providerDialect == clientDialect {
		return body, nil
	}
	switch {
	case providerDialect == DialectOpenAI && clientDialect == DialectClaude:
		return openAIResponseToClaude(body)
	case providerDialect == DialectClaude && clientDialect == DialectOpenAI:
		return claudeResponseToOpenAI(body)
	default:
		return nil, fmt.Errorf("translator: unsupported response direction %s -> %s", providerDialect, clientDialect)
	}
}

// claudeRequestToOpenAI maps a Claude Messages API request body onto an
// OpenAI Chat Completions request body.
//
//	{"model":..., "system":"...", "messages":[{"role":"user","content":"hi"}], "max_tokens":1024}
//
// becomes
//
//	{"model":..., "messages":[{"role":"system","content":"..."},{"role":"user","content":"hi"}], "max_tokens":1024}
func claudeRequestToOpenAI(body []byte) ([]byte, error) {
	out := string(body)

	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		systemMsg := fmt.Sprintf(`{"role":"system","content":%s}`, quoteJSON(sys.String()))
		var err error
		out, err = prependMessage(out, systemMsg)
		if err != nil {
			return nil, err
		}
		out, err = sjson.Delete(out, "system")
		if err != nil {
			return nil, fmt.Errorf("translator: strip system field: %w", err)
		}
	}

	out = normalizeContentBlocks(out, "messages")
	return []byte(out), nil
}

// openAIRequestToClaude is claudeRequestToOpenAI's inverse: it pulls a
// leading system-role message out of `messages` into Claude's top-level
// `system` field.
func openAIRequestToClaude(body []byte) ([]byte, error) {
	messages := gjson.GetBytes(body, "messages").Array()
	out := string(body)

	if len(messages) > 0 && messages[0].Get("role").String() == "system" {
		var err error
		out, err = sjson.Set(out, "system", messages[0].Get("content").String())
		if err != nil {
			return nil, fmt.Errorf("translator: hoist system message: %w", err)
		}
		out, err = sjson.Delete(out, "messages.0")
		if err != nil {
			return nil, fmt.Errorf("translator: drop system message: %w", err)
		}
	}

	return []byte(out), nil
}

// claudeResponseToOpenAI maps a Claude Messages API response onto an
// OpenAI chat.completion response shape.
func claudeResponseToOpenAI(body []byte) ([]byte, error) {
	text := firstTextBlock(body, "content")
	out, err := sjson.SetRaw("{}", "choices.0.message", fmt.Sprintf(`{"role":"assistant","content":%s}`, quoteJSON(text)))
	if err != nil {
		return nil, fmt.Errorf("translator: build choices: %w", err)
	}
	out, err = copyField(body, out, "model", "model")
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "choices.0.finish_reason", mapStopReason(gjson.GetBytes(body, "stop_reason").String()))
	if err != nil {
		return nil, fmt.Errorf("translator: set finish_reason: %w", err)
	}
	out, err = copyUsage(body, out, "usage.input_tokens", "usage.prompt_tokens")
	if err != nil {
		return nil, err
	}
	out, err = copyUsage(body, out, "usage.output_tokens", "usage.completion_tokens")
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// openAIResponseToClaude is claudeResponseToOpenAI's inverse.
func openAIResponseToClaude(body []byte) ([]byte, error) {
	text := gjson.GetBytes(body, "choices.0.message.content").String()
	out, err := sjson.SetRaw("{}", "content.0", fmt.Sprintf(`{"type":"text","text":%s}`, quoteJSON(text)))
	if err != nil {
		return nil, fmt.Errorf("translator: build content blocks: %w", err)
	}
	out, err = copyField(body, out, "model", "model")
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "role", "assistant")
	if err != nil {
		return nil, fmt.Errorf("translator: set role: %w", err)
	}
	out, err = sjson.Set(out, "stop_reason", mapFinishReason(gjson.GetBytes(body, "choices.0.finish_reason").String()))
	if err != nil {
		return nil, fmt.Errorf("translator: set stop_reason: %w", err)
	}
	out, err = copyUsage(body, out, "usage.prompt_tokens", "usage.input_tokens")
	if err != nil {
		return nil, err
	}
	out, err = copyUsage(body, out, "usage.completion_tokens", "usage.output_tokens")
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func prependMessage(body, messageJSON string) (string, error) {
	existing := gjson.Get(body, "messages").Array()
	rebuilt := "[" + messageJSON
	for _, m := range existing {
		rebuilt += "," + m.Raw
	}
	rebuilt += "]"
	return sjson.SetRaw(body, "messages", rebuilt)
}

// normalizeContentBlocks collapses Claude's `content` array-of-blocks shape
// into a plain string for any message whose content is a single text
// block, which is the common case OpenAI's format expects.
func normalizeContentBlocks(body, arrayPath string) string {
	messages := gjson.Get(body, arrayPath)
	if !messages.IsArray() {
		return body
	}
	out := body
	messages.ForEach(func(idx, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.IsArray() && len(content.Array()) == 1 && content.Array()[0].Get("type").String() == "text" {
			path := fmt.Sprintf("%s.%s.content", arrayPath, idx.String())
			out, _ = sjson.Set(out, path, content.Array()[0].Get("text").String())
		}
		return true
	})
	return out
}

func firstTextBlock(body []byte, arrayPath string) string {
	blocks := gjson.GetBytes(body, arrayPath)
	if !blocks.IsArray() {
		return ""
	}
	for _, b := range blocks.Array() {
		if b.Get("type").String() == "text" {
			return b.Get("text").String()
		}
	}
	return ""
}

func copyField(src []byte, dst, srcPath, dstPath string) (string, error) {
	v := gjson.GetBytes(src, srcPath)
	if !v.Exists() {
		return dst, nil
	}
	out, err := sjson.SetRaw(dst, dstPath, v.Raw)
	if err != nil {
		return "", fmt.Errorf("translator: copy %s: %w", srcPath, err)
	}
	return out, nil
}

func copyUsage(src []byte, dst, srcPath, dstPath string) (string, error) {
	v := gjson.GetBytes(src, srcPath)
	if !v.Exists() {
		return dst, nil
	}
	out, err := sjson.Set(dst, dstPath, v.Int())
	if err != nil {
		return "", fmt.Errorf("translator: copy usage %s: %w", srcPath, err)
	}
	return out, nil
}

func mapStopReason(claude string) string {
	switch claude {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func mapFinishReason(openai string) string {
	switch openai {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func quoteJSON(s string) string {
	raw, _ := sjson.Set("{}", "v", s)
	return gjson.Get(raw, "v").Raw
}
