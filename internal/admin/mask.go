package admin

// maskPrefixLen and maskSuffixLen bound how much of a refresh token the
// admin surface ever echoes back (spec.md §6: "no response ever contains
// a complete refresh token").
const (
	maskPrefixLen = 6
	maskSuffixLen = 4
)

// mask renders a plaintext refresh token as {prefix}…{suffix}. Short
// tokens (no longer than prefix+suffix) are masked entirely.
func mask(token string) string {
	if len(token) <= maskPrefixLen+maskSuffixLen {
		return "…"
	}
	return token[:maskPrefixLen] + "…" + token[len(token)-maskSuffixLen:]
}
