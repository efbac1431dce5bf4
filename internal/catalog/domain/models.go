package domain

// Category groups features for reporting. It never affects pricing.
type Category string

const (
	CategoryChat        Category = "chat"
	CategoryStats       Category = "stats"
	CategoryReplay      Category = "replay"
	CategoryIntegration Category = "integration"
	CategoryInternal    Category = "internal"
)

// Entry is the credit price of a single costed feature.
type Entry struct {
	Feature     string   `json:"feature" mapstructure:"feature"`
	Cost        int64    `json:"cost" mapstructure:"cost"`
	Category    Category `json:"category" mapstructure:"category"`
	Description string   `json:"description" mapstructure:"description"`
}

func (c Category) Valid() bool {
	switch c {
	case CategoryChat, CategoryStats, CategoryReplay, CategoryIntegration, CategoryInternal:
		return true
	default:
		return false
	}
}

// DefaultEntries is the built-in price list used when no catalog file is configured.
func DefaultEntries() []Entry {
	return []Entry{
		{Feature: "chat_message", Cost: 1, Category: CategoryChat, Description: "One coaching chat turn"},
		{Feature: "chat_context_refresh", Cost: 0, Category: CategoryInternal, Description: "Conversation context rebuild"},
		{Feature: "stats_lookup", Cost: 2, Category: CategoryStats, Description: "Player statistics lookup"},
		{Feature: "stats_compare", Cost: 3, Category: CategoryStats, Description: "Side-by-side player comparison"},
		{Feature: "match_history_pull", Cost: 5, Category: CategoryIntegration, Description: "Third-party match history import"},
		{Feature: "rank_sync", Cost: 5, Category: CategoryIntegration, Description: "Third-party rank synchronisation"},
		{Feature: "replay_upload", Cost: 20, Category: CategoryReplay, Description: "Replay file upload and parse"},
		{Feature: "replay_analysis", Cost: 50, Category: CategoryReplay, Description: "Full replay analysis report"},
		{Feature: "health_probe", Cost: 0, Category: CategoryInternal, Description: "Internal liveness action"},
	}
}
