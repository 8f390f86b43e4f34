package schema

// MergeUsage reports the usage of a fallback chain. attempts holds one entry
// per upstream attempt in order; the last is the attempt that produced the
// response. Tokens spent by earlier attempts are discarded rather than summed
// so callers are never billed twice for one answer.
func MergeUsage(attempts []Usage) Usage {
	if len(attempts) == 0 {
		return Usage{}
	}
	return attempts[len(attempts)-1].Normalized()
}

// Fold merges a later usage report from the same stream into u. Providers
// report prompt and completion tokens in separate events, so non-zero fields
// of later win.
func (u Usage) Fold(later Usage) Usage {
	if later.PromptTokens != 0 {
		u.PromptTokens = later.PromptTokens
	}
	if later.CompletionTokens != 0 {
		u.CompletionTokens = later.CompletionTokens
	}
	if later.TotalTokens != 0 {
		u.TotalTokens = later.TotalTokens
	}
	return u.Normalized()
}

// Normalized fills TotalTokens when the provider left it out.
func (u Usage) Normalized() Usage {
	if sum := u.PromptTokens + u.CompletionTokens; u.TotalTokens < sum {
		u.TotalTokens = sum
	}
	return u
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}
