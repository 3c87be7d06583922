package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportJSON renders sandbox records as indented JSON.
func ExportJSON(records []Sandbox) ([]byte, error) {
	if records == nil {
		records = []Sandbox{}
	}
	return json.MarshalIndent(records, "", "  ")
}

// FormatTable renders sandbox records as a fixed-width text table.
func FormatTable(records []Sandbox, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %-10s %-24s %-10s %s\n", "CONTAINER", "SESSION", "IMAGE", "AGE", "WORKSPACE")
	b.WriteString(strings.Repeat("─", 90))
	b.WriteString("\n")

	for _, r := range records {
		fmt.Fprintf(&b, "%-14s %-10s %-24s %-10s %s\n",
			short(r.ContainerID, 12), short(r.SessionID, 8), short(r.Image, 24),
			now.Sub(r.CreatedAt).Truncate(time.Second), r.Workspace)
	}
	return b.String()
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
