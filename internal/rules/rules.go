// Package rules compiles a set of followed account IDs into the minimal
// sequence of streaming-service filter expressions, and decompiles active
// expressions back into the account set for drift detection.
package rules

import (
	"sort"
	"strings"
)

const (
	// MaxRuleLength is the streaming service's hard cap on one rule
	// expression, including the repost-exclusion suffix.
	MaxRuleLength = 512

	// repostSuffix is appended to every compiled rule so reposts never
	// match the subscription.
	repostSuffix = " -is:retweet"

	fromPrefix = "from:"
	separator  = " OR "
)

// Compile packs account IDs into disjunctive rule expressions of the form
// "from:A OR from:B -is:retweet", flushing to a new expression whenever the
// next term would push past MaxRuleLength. IDs are sorted first so equal
// sets always compile to identical expressions regardless of input order.
// An empty set compiles to no rules at all: an inert subscription.
func Compile(accountIDs []string) []string {
	if len(accountIDs) == 0 {
		return nil
	}

	ids := make([]string, len(accountIDs))
	copy(ids, accountIDs)
	sort.Strings(ids)

	var values []string
	var b strings.Builder
	b.WriteString(fromPrefix + ids[0])
	for _, id := range ids[1:] {
		term := separator + fromPrefix + id
		if b.Len()+len(term)+len(repostSuffix) > MaxRuleLength {
			values = append(values, b.String()+repostSuffix)
			b.Reset()
			b.WriteString(fromPrefix + id)
			continue
		}
		b.WriteString(term)
	}
	values = append(values, b.String()+repostSuffix)

	return values
}

// Decompile is the inverse of Compile: it strips the repost suffix, splits
// each expression on the disjunction separator, and collects the account
// IDs. The result order follows the rule order.
func Decompile(values []string) []string {
	var ids []string
	for _, value := range values {
		value = strings.TrimSuffix(value, repostSuffix)
		for _, term := range strings.Split(value, separator) {
			ids = append(ids, strings.TrimPrefix(term, fromPrefix))
		}
	}
	return ids
}

// SameSet reports whether two ID slices contain the same set of IDs,
// ignoring order and duplicates.
func SameSet(a, b []string) bool {
	as := make(map[string]bool, len(a))
	for _, id := range a {
		as[id] = true
	}
	bs := make(map[string]bool, len(b))
	for _, id := range b {
		bs[id] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for id := range as {
		if !bs[id] {
			return false
		}
	}
	return true
}
