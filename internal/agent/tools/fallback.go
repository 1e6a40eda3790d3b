package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedToolBlock = regexp.MustCompile("(?s)```tool\\s*\\n(.*?)```")
	toolCallTag     = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
)

type fallbackPayload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Args      map[string]any `json:"args"`
}

// ParseFallback recovers tool calls written as text, either as ```tool fenced
// JSON blocks or <tool_call> tags. It returns the calls and the text with the
// tool blocks removed. Blocks that do not parse are left in the text.
func ParseFallback(text string) ([]*Call, string) {
	var calls []*Call
	cleaned := text
	for _, re := range []*regexp.Regexp{fencedToolBlock, toolCallTag} {
		cleaned = re.ReplaceAllStringFunc(cleaned, func(block string) string {
			m := re.FindStringSubmatch(block)
			if len(m) < 2 {
				return block
			}
			call, ok := parseFallbackPayload(m[1])
			if !ok {
				return block
			}
			calls = append(calls, call)
			return ""
		})
	}
	return calls, strings.TrimSpace(cleaned)
}

func parseFallbackPayload(raw string) (*Call, bool) {
	var p fallbackPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err != nil {
		return nil, false
	}
	name := p.Name
	if name == "" {
		name = p.Tool
	}
	if strings.TrimSpace(name) == "" {
		return nil, false
	}
	args := p.Arguments
	if args == nil {
		args = p.Args
	}
	return NewCall(p.ID, name, args), true
}
