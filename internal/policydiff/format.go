package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Policy diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n", r.OldPath, r.NewPath)

	topLevel := filterTopLevel(r.Changes)
	rules := filterChanges(r.Changes, "rules.")
	danger := filterChanges(r.Changes, "danger_scores.")
	forbidden := filterChanges(r.Changes, "forbidden.")

	if len(topLevel) > 0 {
		b.WriteString("\n")
		for _, c := range topLevel {
			writeChange(&b, "  ", c.Field, c)
		}
	}
	writeSection(&b, "Rules", "rules.", rules)
	writeSection(&b, "Danger Scores", "danger_scores.", danger)

	if len(forbidden) > 0 {
		b.WriteString("\n  Forbidden:\n")
		for _, c := range forbidden {
			name := strings.TrimPrefix(c.Field, "forbidden.")
			switch c.Comment {
			case "added":
				fmt.Fprintf(&b, "    %s: + %s\n", name, c.New)
			case "removed":
				fmt.Fprintf(&b, "    %s: - %s\n", name, c.Old)
			}
		}
	}

	if len(r.GrantChanges) > 0 {
		b.WriteString("\n  Grants:\n")
		for _, gc := range r.GrantChanges {
			mark := map[string]string{"added": "+", "removed": "-", "changed": "~"}[gc.Type]
			fmt.Fprintf(&b, "    %s %s", mark, gc.Issuer)
			if gc.Detail != "" {
				fmt.Fprintf(&b, " (%s)", gc.Detail)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

func writeSection(b *strings.Builder, title, prefix string, changes []Change) {
	if len(changes) == 0 {
		return
	}
	fmt.Fprintf(b, "\n  %s:\n", title)
	for _, c := range changes {
		writeChange(b, "    ", strings.TrimPrefix(c.Field, prefix), c)
	}
}

func writeChange(b *strings.Builder, indent, name string, c Change) {
	fmt.Fprintf(b, "%s%-24s %s → %s", indent, name+":", c.Old, c.New)
	if c.Comment != "" {
		fmt.Fprintf(b, "  (%s)", c.Comment)
	}
	b.WriteString("\n")
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

func filterChanges(changes []Change, prefix string) []Change {
	var out []Change
	for _, c := range changes {
		if strings.HasPrefix(c.Field, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func filterTopLevel(changes []Change) []Change {
	var out []Change
	for _, c := range changes {
		if !strings.Contains(c.Field, ".") {
			out = append(out, c)
		}
	}
	return out
}
