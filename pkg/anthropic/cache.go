package anthropic

// CachedSystem builds a system prompt block with a cache breakpoint. Oracles
// send the same instructions on every call, so the prefix is cached.
func CachedSystem(text string) []SystemBlock {
	return []SystemBlock{{
		Text:         text,
		CacheControl: &CacheControl{TTL: "5m"},
	}}
}
