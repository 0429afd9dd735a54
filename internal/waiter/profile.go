package waiter

import "strings"

// Profile names a chat platform whose DOM the waiter knows.
type Profile string

// Known profiles. The set is closed; unknown pages use Generic.
const (
	ChatGPT    Profile = "chatgpt"
	Perplexity Profile = "perplexity"
	Claude     Profile = "claude"
	Bing       Profile = "bing"
	Bard       Profile = "bard"
	Generic    Profile = "generic"
)

// Selectors describe where a platform renders its streamed answer.
type Selectors struct {
	Container      string `json:"container"`
	Typing         string `json:"typing"`
	Stop           string `json:"stop"`
	StreamingClass string `json:"streamingClass"`
	CompletedClass string `json:"completedClass"`
	Spinner        string `json:"spinner,omitempty"`
	Send           string `json:"send,omitempty"`
	Input          string `json:"input,omitempty"`
}

var profiles = map[Profile]Selectors{
	ChatGPT: {
		Container:      `[data-message-author-role="assistant"] .markdown, [data-message-author-role="assistant"] div[class*="prose"], .group\/conversation-turn .whitespace-pre-wrap`,
		Typing:         `.result-streaming, [data-testid*="loading"], .animate-pulse, .text-token-text-secondary`,
		Stop:           `[data-testid="stop-button"], button[aria-label*="Stop"], .stop-generating`,
		StreamingClass: "result-streaming",
		CompletedClass: "group",
		Spinner:        `.animate-spin, [data-testid="loading-indicator"]`,
		Send:           `[data-testid="send-button"], button[aria-label*="Send"]`,
		Input:          `#prompt-textarea, [data-testid="prompt-textarea"]`,
	},
	Perplexity: {
		Container:      `.prose, [data-testid="answer"], .answer-content, .markdown-content`,
		Typing:         `.typing-animation, .loading-dots, .animate-pulse, [aria-label*="generating"]`,
		Stop:           `[aria-label*="Stop"], .stop-button, button[title*="Stop"]`,
		StreamingClass: "streaming",
		CompletedClass: "completed",
		Spinner:        `.loading-spinner, .animate-spin`,
		Send:           `button[type="submit"], [aria-label*="Submit"]`,
		Input:          `textarea, [contenteditable="true"]`,
	},
	Claude: {
		Container:      `[data-is-streaming="false"] .font-claude-message, .message-content, [role="assistant"] .prose`,
		Typing:         `[data-is-streaming="true"], .thinking-indicator, .loading-ellipsis`,
		Stop:           `[aria-label*="Stop"], .stop-generation`,
		StreamingClass: "streaming",
		CompletedClass: "message-complete",
		Spinner:        `.loading, .spinner`,
		Send:           `button[aria-label*="Send"], [data-testid="send-button"]`,
		Input:          `div[contenteditable="true"], textarea[placeholder*="message"]`,
	},
	Bing: {
		Container:      `.ac-textBlock, .response-message-group .ac-container`,
		Typing:         `.typing-indicator, .loading-message, .ac-adaptiveCard .loading`,
		Stop:           `.stop-responding-button, [aria-label*="Stop"]`,
		StreamingClass: "streaming-response",
		CompletedClass: "response-complete",
	},
	Bard: {
		Container:      `.model-response-text, .response-container .rich-text`,
		Typing:         `.typing-indicator, .loading-animation`,
		Stop:           `[aria-label*="Stop"], .stop-generating`,
		StreamingClass: "generating",
		CompletedClass: "response-finished",
	},
	Generic: {
		Container:      `[role="assistant"], .message, .response, .bot-message, .ai-response`,
		Typing:         `.typing, .loading, .generating, .thinking, .animate-pulse, [aria-busy="true"]`,
		Stop:           `.stop, [aria-label*="stop" i], [title*="stop" i], .stop-button`,
		StreamingClass: "streaming",
		CompletedClass: "completed",
	},
}

// SelectorsFor returns the selectors of p, falling back to Generic.
func SelectorsFor(p Profile) Selectors {
	if s, ok := profiles[p]; ok {
		return s
	}
	return profiles[Generic]
}

// Valid reports whether p is one of the known profiles.
func (p Profile) Valid() bool {
	_, ok := profiles[p]
	return ok
}

var hostHints = []struct {
	profile Profile
	hosts   []string
}{
	{ChatGPT, []string{"openai.com", "chatgpt.com"}},
	{Perplexity, []string{"perplexity.ai"}},
	{Claude, []string{"claude.ai", "anthropic.com"}},
	{Bing, []string{"bing.com", "copilot.microsoft.com"}},
	{Bard, []string{"bard.google.com", "gemini.google.com"}},
}

// DetectHost maps a hostname to a profile. ok is false when nothing matches.
func DetectHost(host string) (Profile, bool) {
	host = strings.ToLower(host)
	for _, hint := range hostHints {
		for _, h := range hint.hosts {
			if strings.Contains(host, h) {
				return hint.profile, true
			}
		}
	}
	return "", false
}

// fingerprints are probed in order when the host is unknown.
var fingerprints = []struct {
	Profile  Profile `json:"profile"`
	Selector string  `json:"selector"`
}{
	{ChatGPT, `[data-testid="send-button"], #prompt-textarea`},
	{Perplexity, `.perplexity-logo, [data-testid="answer"]`},
	{Claude, `.font-claude-message, [data-is-streaming]`},
	{Bing, `.ac-textBlock, .response-message-group`},
	{Bard, `.model-response-text, .bard-container`},
}
