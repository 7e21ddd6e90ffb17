package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const chatLineLimit = 3500

// FormatChatLine renders one zerolog JSON line as a compact chat message:
// "[LEVEL] message" followed by "- key=value" lines in key order.
// Non-JSON input is passed through trimmed.
func FormatChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	if len(p) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), chatLineLimit)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(clip(fmt.Sprint(m[k]), 600))
	}
	return clip(b.String(), chatLineLimit)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
