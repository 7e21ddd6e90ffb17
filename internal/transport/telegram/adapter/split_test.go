package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{name: "short", in: "hi", limit: 10, want: []string{"hi"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "prefers newline", in: "abcdef\nghij", limit: 8, want: []string{"abcdef", "ghij"}},
		{name: "html tag kept whole", in: "abcdef<b>x</b>", limit: 8, parseMode: "HTML", want: []string{"abcdef", "<b>x</b>"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitTelegramText(tt.in, tt.limit, tt.parseMode)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitTelegramTextRuneSafe(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("ж", 9)
	for _, part := range splitTelegramText(in, 4, "") {
		if n := len([]rune(part)); n > 4 {
			t.Fatalf("part has %d runes", n)
		}
	}
}
