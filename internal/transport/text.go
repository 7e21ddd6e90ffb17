package transport

import (
	"strings"
	"unicode/utf8"
)

// Head returns at most limit runes from the start of s.
func Head(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// Tail returns at most limit runes from the end of s. Invalid UTF-8 left
// by a chunk boundary is dropped.
func Tail(s string, limit int) string {
	s = strings.ToValidUTF8(s, "")
	if limit <= 0 {
		return s
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[len(rs)-limit:])
}

// Slices cuts s into consecutive pieces of at most limit runes.
// An empty string yields no slices.
func Slices(s string, limit int) []string {
	if s == "" {
		return nil
	}
	if limit <= 0 {
		return []string{s}
	}
	rs := []rune(s)
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); start += limit {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		out = append(out, string(rs[start:end]))
	}
	return out
}
