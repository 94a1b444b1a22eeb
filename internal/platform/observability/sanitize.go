package observability

import (
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// Length caps for request values copied into log entries.
const (
	limitMethod = 10
	limitPath   = 180
	limitID     = 64
)

// clean drops control characters and keeps at most limit runes, so a client
// cannot forge log lines through the path or headers.
func clean(value string, limit int) string {
	n := 0
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || n >= limit {
			return -1
		}
		n++
		return r
	}, value)
}

func cleanField(key, value string, limit int) zap.Field {
	return zap.String(key, clean(value, limit))
}
