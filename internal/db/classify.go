package db

import "strings"

// firstKeyword returns the first SQL keyword, upper-cased, skipping leading
// whitespace and comments.
func firstKeyword(sql string) string {
	s := sql
	for {
		s = strings.TrimLeft(s, " \t\r\n;")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		break
	}
	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' {
			end++
			continue
		}
		break
	}
	return strings.ToUpper(s[:end])
}

// isReadOnly classifies a statement as safe to run on a follower without
// forwarding. Unknown keywords are treated as writes.
func isReadOnly(sql string) bool {
	switch firstKeyword(sql) {
	case "SELECT", "EXPLAIN", "VALUES", "PRAGMA":
		// WITH is deliberately absent: a CTE can lead an INSERT, and a
		// misclassified write must not run locally on a follower.
		return true
	default:
		return false
	}
}

// isDDL reports whether a statement changes schema, which triggers a
// SchemaChanged broadcast after commit.
func isDDL(sql string) bool {
	switch firstKeyword(sql) {
	case "CREATE", "DROP", "ALTER":
		return true
	default:
		return false
	}
}
