package topic

import (
	"regexp"
	"strings"
)

// Matches reports whether routingKey matches pattern.
//
// Grammar: a pattern matches the whole routing key; '%' matches any run of
// characters, possibly empty; a leading '^' or trailing '$' is accepted and
// stripped, full-string matching being the default. The Lua side of
// route_message implements the same grammar.
func Matches(routingKey, pattern string) bool {
	pattern = strings.TrimPrefix(pattern, "^")
	pattern = strings.TrimSuffix(pattern, "$")

	var b strings.Builder
	b.WriteString(`^`)
	for i, part := range strings.Split(pattern, "%") {
		if i > 0 {
			b.WriteString(`.*`)
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString(`$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(routingKey)
}
