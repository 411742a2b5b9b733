package policy

import "strings"

// Normalize lowercases, trims whitespace, and strips a single trailing dot.
// It is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, ".")
	return n
}

// Candidates returns the ordered suffix walk for a normalized query name,
// starting at the full name and stripping one label per step, stopping at
// the final two labels (keeping the TLD). Blocking "example.com" therefore
// also matches "a.b.example.com" via the "example.com" suffix entry.
func Candidates(normalizedName string) []string {
	if normalizedName == "" {
		return nil
	}
	labels := strings.Split(normalizedName, ".")
	var out []string
	for i := 0; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		out = append(out, suffix)
		if len(labels)-i <= 2 {
			break
		}
	}
	return out
}
