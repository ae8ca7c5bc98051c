package models

// Exchange is one prompt/reply pair as stored in the conversation cache.
type Exchange struct {
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Reply  string   `json:"reply"`
}

// Interaction is a stored exchange addressed by its handle.
type Interaction struct {
	ID int64 `json:"id"`
	Exchange
}

// Record is a fully loaded interaction, including the context chain that
// preceded it.
type Record struct {
	ID         int64          `json:"id"`
	System     string         `json:"system,omitempty"`
	Context    []Exchange     `json:"context"`
	Exchange   Exchange       `json:"exchange"`
	Parameters map[string]any `json:"parameters"`
}

// CacheStats reports conversation cache contents and replay counters.
type CacheStats struct {
	Interactions int64 `json:"interactions"`
	Contexts     int64 `json:"contexts"`
	Strings      int64 `json:"strings"`
	Blacklisted  int64 `json:"blacklisted"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
}
