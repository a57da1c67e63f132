package adapter

import (
	"strings"

	"github.com/tidwall/gjson"
)

// OpenAI handles the chat completions and responses APIs. It is also the
// fallback for hosts no other adapter claims, since most gateways speak
// the same message-list dialect.
func OpenAI() Adapter {
	return &jsonAdapter{
		name:  "openai",
		hosts: []string{"api.openai.com", "api.mistral.ai", "api.together.xyz", "api.perplexity.ai", "api.groq.com"},
		slots: func(doc gjson.Result) []string {
			if msgs := doc.Get("messages"); msgs.IsArray() {
				return lastRoleText(msgs, "messages", "role")
			}
			switch input := doc.Get("input"); {
			case input.Type == gjson.String:
				return []string{"input"}
			case input.IsArray():
				return lastRoleText(input, "input", "role")
			}
			return nil
		},
		output: func(doc gjson.Result) []string {
			var paths []string
			eachIndex(doc.Get("choices"), func(i int, c gjson.Result) {
				if c.Get("message.content").Type == gjson.String {
					paths = append(paths, join("choices", i, "message.content"))
				}
				if c.Get("text").Type == gjson.String {
					paths = append(paths, join("choices", i, "text"))
				}
			})
			eachIndex(doc.Get("output"), func(i int, item gjson.Result) {
				for _, p := range textParts(item.Get("content"), "") {
					paths = append(paths, join("output", i, "content", p))
				}
			})
			return paths
		},
	}
}

// Anthropic handles the messages API.
func Anthropic() Adapter {
	return &jsonAdapter{
		name:  "anthropic",
		hosts: []string{"api.anthropic.com"},
		slots: func(doc gjson.Result) []string {
			return lastRoleText(doc.Get("messages"), "messages", "role")
		},
		output: func(doc gjson.Result) []string {
			return textParts(doc.Get("content"), "content")
		},
	}
}

// Gemini handles generateContent request bodies.
func Gemini() Adapter {
	return &jsonAdapter{
		name:  "gemini",
		hosts: []string{"generativelanguage.googleapis.com", "aiplatform.googleapis.com"},
		slots: func(doc gjson.Result) []string {
			contents := doc.Get("contents")
			i := lastIndex(contents, func(c gjson.Result) bool {
				role := c.Get("role")
				return !role.Exists() || role.String() == "user"
			})
			if i < 0 {
				return nil
			}
			return textParts(contents.Get(join(i, "parts")), join("contents", i, "parts"))
		},
		output: func(doc gjson.Result) []string {
			var paths []string
			eachIndex(doc.Get("candidates"), func(i int, c gjson.Result) {
				base := join("candidates", i, "content.parts")
				paths = append(paths, textParts(c.Get("content.parts"), base)...)
			})
			return paths
		},
	}
}

// ChatGPTWeb handles the conversation endpoint of the ChatGPT web app,
// where messages carry author.role and content.parts.
func ChatGPTWeb() Adapter {
	return &jsonAdapter{
		name:  "chatgpt-web",
		hosts: []string{"chatgpt.com", "chat.openai.com"},
		slots: func(doc gjson.Result) []string {
			msgs := doc.Get("messages")
			i := lastIndex(msgs, func(m gjson.Result) bool {
				return m.Get("author.role").String() == "user"
			})
			if i < 0 {
				return nil
			}
			base := join("messages", i, "content.parts")
			return textParts(msgs.Get(join(i, "content.parts")), base)
		},
		output: func(doc gjson.Result) []string {
			return textParts(doc.Get("message.content.parts"), "message.content.parts")
		},
	}
}

// ClaudeWeb handles the completion endpoint of the Claude web app.
func ClaudeWeb() Adapter {
	return &jsonAdapter{
		name:  "claude-web",
		hosts: []string{"claude.ai"},
		slots: func(doc gjson.Result) []string {
			if doc.Get("prompt").Type == gjson.String {
				return []string{"prompt"}
			}
			return nil
		},
		output: func(doc gjson.Result) []string {
			if doc.Get("completion").Type == gjson.String {
				return []string{"completion"}
			}
			return nil
		},
	}
}

// lastRoleText returns the text paths of the last element of msgs whose
// roleKey is "user".
func lastRoleText(msgs gjson.Result, base, roleKey string) []string {
	i := lastIndex(msgs, func(m gjson.Result) bool {
		return strings.EqualFold(m.Get(roleKey).String(), "user")
	})
	if i < 0 {
		return nil
	}
	return textParts(msgs.Get(join(i, "content")), join(base, i, "content"))
}

// Registry selects an adapter by hostname.
type Registry struct {
	adapters []Adapter
	fallback Adapter
}

// NewRegistry returns a registry trying adapters in order and falling back
// to fallback for unmatched hosts.
func NewRegistry(fallback Adapter, adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters, fallback: fallback}
}

// DefaultRegistry knows every built-in vendor and falls back to OpenAI.
func DefaultRegistry() *Registry {
	return NewRegistry(OpenAI(), Anthropic(), Gemini(), ChatGPTWeb(), ClaudeWeb(), OpenAI())
}

// For returns the adapter for host, which may carry a port.
func (r *Registry) For(host string) Adapter {
	host = stripPort(host)
	for _, a := range r.adapters {
		if a.Match(host) {
			return a
		}
	}
	return r.fallback
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.LastIndex(host, "]"); i > 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}
