package moderation

// Reasons reported in FilterResult.Reason.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// FilterResult is the outcome of checking a piece of user text.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Term    string `json:"term,omitempty"` // matched term or spam rule name
}
