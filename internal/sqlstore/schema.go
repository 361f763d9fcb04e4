package sqlstore

import (
	_ "embed"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// schemaStatements splits schema.sql into single statements. The pgx
// extended protocol accepts one statement per Exec.
func schemaStatements() []string {
	var out []string
	for _, stmt := range strings.Split(schemaSQL, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}
