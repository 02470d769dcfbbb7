package config

// SelectorConfig names the DOM hooks the capture engine relies on. Defaults
// target the Gemini web app; every hook is overridable because the host
// application renames its classes without notice.
type SelectorConfig struct {
	// Turn matches one conversation turn (user or assistant).
	Turn string `yaml:"turn"`

	// AssistantMarker matches a region that only assistant turns contain.
	AssistantMarker string `yaml:"assistant_marker"`

	// AnswerContent matches the dedicated answer-content region inside an
	// assistant turn, preferred over the turn's raw text.
	AnswerContent string `yaml:"answer_content"`

	// StopControl matches the visible stop/generating control.
	StopControl string `yaml:"stop_control"`

	// FinishedActions matches the post-completion action bar of a turn.
	FinishedActions string `yaml:"finished_actions"`

	// CompletionMarker is an exact literal that, when present in the last
	// assistant turn's content, marks the answer finished.
	CompletionMarker string `yaml:"completion_marker"`

	// CopyControl matches the copy/export control of a turn.
	CopyControl string `yaml:"copy_control"`

	// ShowMore matches collapsed "show more" expanders inside a turn.
	ShowMore string `yaml:"show_more"`

	// SidebarConversation matches one conversation entry in the sidebar;
	// used to relocate a conversation during reattach.
	SidebarConversation string `yaml:"sidebar_conversation"`
}

// DefaultSelectorConfig returns Gemini-flavored defaults.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Turn:                "div.conversation-container, [data-turn-id]",
		AssistantMarker:     "model-response, .model-response-text, [data-message-author-role=\"assistant\"]",
		AnswerContent:       "message-content, .markdown, .response-content",
		StopControl:         "button[aria-label*=\"Stop\" i], .stop-generating, button.generating",
		FinishedActions:     ".response-footer, .turn-footer, message-actions",
		CompletionMarker:    "",
		CopyControl:         "button[aria-label*=\"Copy\" i], [data-test-id=\"copy-button\"]",
		ShowMore:            "button[aria-label*=\"Show more\" i], .show-more-button",
		SidebarConversation: ".conversation-title, [data-conversation-id]",
	}
}
