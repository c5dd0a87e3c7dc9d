package video

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolInvocation is the canonical form of "a tool was invoked mid-conversation",
// regardless of which wire shape the provider used to report it.
//
// Name == "" means the event was not actionable, and then Args is always nil.
// A non-empty Name with nil Args means a tool was identified but its arguments
// could not be parsed. An explicitly argument-less invocation carries an empty
// (non-nil) map.
type ToolInvocation struct {
	Name string
	Args map[string]any
}

// Actionable reports whether a tool call was recognized.
func (t ToolInvocation) Actionable() bool {
	return t.Name != ""
}

// Zero-argument tools the replica may invoke by bare name.
var zeroArgTools = map[string]struct{}{
	"pause_video": {},
	"next_video":  {},
}

// Normalizer translates provider events into ToolInvocations. It is pure:
// no I/O, never panics on malformed input.
type Normalizer struct {
	// UtteranceFallback enables matching free-text utterances against known
	// tool names and call syntax. Off by default because utterances are noisy.
	UtteranceFallback bool
}

type rawEvent struct {
	EventType  string          `json:"event_type"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	Data       json.RawMessage `json:"data"`
	Properties json.RawMessage `json:"properties"`
}

type toolCallBody struct {
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Arguments json.RawMessage `json:"arguments"`
}

// matchers are tried in priority order; the first hit wins. New provider
// payload shapes get a new matcher, existing ones stay untouched.
type matcher func(n *Normalizer, evt *rawEvent) (ToolInvocation, bool)

var matchers = []matcher{
	(*Normalizer).matchDirect,
	(*Normalizer).matchProperties,
	(*Normalizer).matchTranscript,
	(*Normalizer).matchUtterance,
}

// Normalize parses one event of unknown but bounded shape. Malformed input
// yields an empty invocation rather than an error.
func (n *Normalizer) Normalize(raw []byte) ToolInvocation {
	var evt rawEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return ToolInvocation{}
	}
	return n.NormalizeEvent(&evt)
}

func (n *Normalizer) NormalizeEvent(evt *rawEvent) ToolInvocation {
	for _, m := range matchers {
		if inv, ok := m(n, evt); ok {
			return inv
		}
	}
	return ToolInvocation{}
}

// matchDirect handles tool-call events carrying {name, args} either at the
// top level or under a data wrapper. Top-level wins over nested shapes.
func (n *Normalizer) matchDirect(evt *rawEvent) (ToolInvocation, bool) {
	if !isToolCallType(evt.EventType) && evt.Name == "" && len(evt.Data) == 0 {
		return ToolInvocation{}, false
	}
	if evt.Name != "" {
		return ToolInvocation{Name: evt.Name, Args: resolveArgs(evt.Args)}, true
	}
	if len(evt.Data) > 0 {
		var body toolCallBody
		if err := json.Unmarshal(evt.Data, &body); err == nil && body.Name != "" {
			args := body.Args
			if len(args) == 0 {
				args = body.Arguments
			}
			return ToolInvocation{Name: body.Name, Args: resolveArgs(args)}, true
		}
	}
	return ToolInvocation{}, false
}

// matchProperties handles the properties envelope: {name, arguments} where
// arguments is a JSON string, or {name, args} with an object.
func (n *Normalizer) matchProperties(evt *rawEvent) (ToolInvocation, bool) {
	if len(evt.Properties) == 0 {
		return ToolInvocation{}, false
	}
	var body toolCallBody
	if err := json.Unmarshal(evt.Properties, &body); err != nil || body.Name == "" {
		return ToolInvocation{}, false
	}
	args := body.Args
	if len(args) == 0 {
		args = body.Arguments
	}
	return ToolInvocation{Name: body.Name, Args: resolveArgs(args)}, true
}

type transcriptTurn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ToolCalls []struct {
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

// matchTranscript scans a transcript-ready event for the most recent
// assistant turn that carries tool calls.
func (n *Normalizer) matchTranscript(evt *rawEvent) (ToolInvocation, bool) {
	if !strings.Contains(evt.EventType, "transcription_ready") {
		return ToolInvocation{}, false
	}
	var props struct {
		Transcript []transcriptTurn `json:"transcript"`
	}
	if err := json.Unmarshal(evt.Properties, &props); err != nil {
		return ToolInvocation{}, false
	}
	for i := len(props.Transcript) - 1; i >= 0; i-- {
		turn := props.Transcript[i]
		if turn.Role != "assistant" || len(turn.ToolCalls) == 0 {
			continue
		}
		fn := turn.ToolCalls[0].Function
		if fn.Name == "" {
			continue
		}
		if strings.TrimSpace(fn.Arguments) == "" {
			// The transcript writer emits an empty string for no-arg calls.
			return ToolInvocation{Name: fn.Name, Args: map[string]any{}}, true
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(fn.Arguments), &args); err != nil {
			return ToolInvocation{Name: fn.Name, Args: nil}, true
		}
		return ToolInvocation{Name: fn.Name, Args: args}, true
	}
	return ToolInvocation{}, false
}

var callSyntaxPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*$`)

// matchUtterance maps free-text replica utterances onto tool calls. Gated
// behind UtteranceFallback.
func (n *Normalizer) matchUtterance(evt *rawEvent) (ToolInvocation, bool) {
	if !n.UtteranceFallback || !strings.Contains(evt.EventType, "utterance") {
		return ToolInvocation{}, false
	}
	var props struct {
		Speech string `json:"speech"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(evt.Properties, &props); err != nil {
		return ToolInvocation{}, false
	}
	utterance := strings.TrimSpace(props.Speech)
	if utterance == "" {
		utterance = strings.TrimSpace(props.Text)
	}
	if utterance == "" {
		return ToolInvocation{}, false
	}
	if _, ok := zeroArgTools[utterance]; ok {
		return ToolInvocation{Name: utterance, Args: map[string]any{}}, true
	}
	if m := callSyntaxPattern.FindStringSubmatch(utterance); m != nil {
		inner := strings.TrimSpace(m[2])
		if inner == "" {
			return ToolInvocation{Name: m[1], Args: map[string]any{}}, true
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(inner), &args); err != nil {
			return ToolInvocation{Name: m[1], Args: nil}, true
		}
		return ToolInvocation{Name: m[1], Args: args}, true
	}
	return ToolInvocation{}, false
}

// resolveArgs folds the three accepted args encodings into one map:
// an object is used as-is, a JSON-encoded string is parsed, and a bare
// non-JSON string is wrapped as {title: s} — the convention for
// single-argument natural-language tool calls. A missing args field stays
// nil; unparsable content also resolves to nil.
func resolveArgs(raw json.RawMessage) map[string]any {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	switch trimmed[0] {
	case '{':
		var args map[string]any
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			return nil
		}
		return args
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return nil
		}
		return resolveStringArgs(s)
	default:
		return nil
	}
}

func resolveStringArgs(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}
	}
	if strings.HasPrefix(s, "{") {
		var args map[string]any
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return nil
		}
		return args
	}
	return map[string]any{"title": s}
}

func isToolCallType(eventType string) bool {
	et := strings.ToLower(eventType)
	return strings.Contains(et, "toolcall") || strings.Contains(et, "tool_call")
}
