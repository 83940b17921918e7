package importer

import "strings"

// ParseLine splits one CSV line into trimmed fields. Commas inside double
// quotes are literal and a doubled quote inside a quoted field is one quote.
// Fields never span lines.
func ParseLine(line string) []string {
	var (
		fields   []string
		field    strings.Builder
		inQuotes bool
	)

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' && inQuotes && i+1 < len(runes) && runes[i+1] == '"':
			field.WriteRune('"')
			i++
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			fields = append(fields, strings.TrimSpace(field.String()))
			field.Reset()
		default:
			field.WriteRune(r)
		}
	}
	return append(fields, strings.TrimSpace(field.String()))
}

// splitLines breaks text on LF or CRLF and drops blank lines.
func splitLines(text string) []string {
	text = strings.TrimPrefix(text, "\ufeff")
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSuffix(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}
