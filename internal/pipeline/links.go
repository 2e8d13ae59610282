package pipeline

import (
	"sort"
	"strings"

	"github.com/blackmichael/fansite-mirror/internal/domain"
)

// expandLinks rewrites post text with every shortened link token replaced by
// its resolved target. Tokens that stand in for attached media are dropped
// rather than expanded. resolve is consulted for tokens whose expanded form
// is not carried in the entity; returning an empty string keeps the raw
// token in place. Entity offsets count runes, matching the upstream wire
// format.
func expandLinks(text string, entities []domain.URLEntity, resolve func(token string) string) string {
	if len(entities) == 0 {
		return strings.TrimSpace(text)
	}

	sorted := make([]domain.URLEntity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	runes := []rune(text)
	var b strings.Builder
	i := 0
	for _, e := range sorted {
		if e.Start < i || e.End > len(runes) || e.Start > e.End {
			continue
		}
		b.WriteString(string(runes[i:e.Start]))
		i = e.End

		switch {
		case e.MediaKey != "":
			// attachment placeholder, not a real external target
		case e.Expanded != "":
			b.WriteString(e.Expanded)
		default:
			token := string(runes[e.Start:e.End])
			if resolved := resolve(token); resolved != "" {
				b.WriteString(resolved)
			} else {
				b.WriteString(token)
			}
		}
	}
	b.WriteString(string(runes[i:]))

	return strings.TrimSpace(b.String())
}
