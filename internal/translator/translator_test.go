package translator

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestClaudeRequestToOpenAIHoistsSystemMessage(t *testing.T) {
	in := []byte(`{"model":"claude-3-5-sonnet","system":"be terse","messages":[{"role":"user","content":"hi"}],"max_tokens":256}`)

	out, err := RequestToProvider(in, DialectClaude, DialectOpenAI)
	if err != nil {
		t.Fatal(err)
	}

	if gjson.GetBytes(out, "system").Exists() {
		t.Fatal("system field should have been removed")
	}
	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Get("role").String() != "system" || msgs[0].Get("content").String() != "be terse" {
		t.Fatalf("first message = %s, want system/be terse", msgs[0].Raw)
	}
	if msgs[1].Get("role").String() != "user" {
		t.Fatalf("second message role = %s, want user", msgs[1].Get("role").String())
	}
}

func TestOpenAIRequestToClaudeHoistsSystemMessage(t *testing.T) {
	in := []byte(`{"model":"gpt-4o","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`)

	out, err := RequestToProvider(in, DialectOpenAI, DialectClaude)
	if err != nil {
		t.Fatal(err)
	}

	if gjson.GetBytes(out, "system").String() != "be terse" {
		t.Fatalf("system = %q, want %q", gjson.GetBytes(out, "system").String(), "be terse")
	}
	msgs := gjson.GetBytes(out, "messages").Array()
	if len(msgs) != 1 || msgs[0].Get("role").String() != "user" {
		t.Fatalf("messages after hoist = %s", gjson.GetBytes(out, "messages").Raw)
	}
}

func TestSameDialectIsNoop(t *testing.T) {
	in := []byte(`{"model":"x"}`)
	out, err := RequestToProvider(in, DialectClaude, DialectClaude)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Fatalf("expected passthrough, got %s", out)
	}
}

func TestClaudeResponseToOpenAIMapsUsageAndStopReason(t *testing.T) {
	in := []byte(`{"model":"claude-3-5-sonnet","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)

	out, err := ResponseFromProvider(in, DialectClaude, DialectOpenAI)
	if err != nil {
		t.Fatal(err)
	}

	if gjson.GetBytes(out, "choices.0.message.content").String() != "hello" {
		t.Fatalf("content = %s", out)
	}
	if gjson.GetBytes(out, "choices.0.finish_reason").String() != "stop" {
		t.Fatalf("finish_reason = %s", gjson.GetBytes(out, "choices.0.finish_reason").String())
	}
	if gjson.GetBytes(out, "usage.prompt_tokens").Int() != 10 {
		t.Fatalf("prompt_tokens = %d", gjson.GetBytes(out, "usage.prompt_tokens").Int())
	}
	if gjson.GetBytes(out, "usage.completion_tokens").Int() != 5 {
		t.Fatalf("completion_tokens = %d", gjson.GetBytes(out, "usage.completion_tokens").Int())
	}
}

func TestOpenAIResponseToClaudeMapsUsageAndStopReason(t *testing.T) {
	in := []byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"length"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`)

	out, err := ResponseFromProvider(in, DialectOpenAI, DialectClaude)
	if err != nil {
		t.Fatal(err)
	}

	if gjson.GetBytes(out, "content.0.text").String() != "hello" {
		t.Fatalf("content = %s", out)
	}
	if gjson.GetBytes(out, "stop_reason").String() != "max_tokens" {
		t.Fatalf("stop_reason = %s", gjson.GetBytes(out, "stop_reason").String())
	}
	if gjson.GetBytes(out, "usage.input_tokens").Int() != 10 {
		t.Fatalf("input_tokens = %d", gjson.GetBytes(out, "usage.input_tokens").Int())
	}
}
