package querybuilder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// escape renders a filter operand per spec.md §4.6: strings quoted with
// internal '"' and '\' escaped, dates as ISO-8601, numbers/booleans
// stringified bare, null as the literal "null".
func escape(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case rawLiteral:
		return t.s
	case setLiteral:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = escape(item)
		}
		return "(" + strings.Join(parts, ",") + ")"
	case string:
		return quoteString(t)
	case time.Time:
		return quoteString(t.UTC().Format(time.RFC3339))
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return quoteString(fmt.Sprintf("%v", t))
	}
}

func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
