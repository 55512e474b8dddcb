// utilitário pequeno para formatação consistente de valores em headers.

package ratelimit

import (
	"strconv"
	"time"
)

// resetLayout é ISO-8601 em UTC com milissegundos.
const resetLayout = "2006-01-02T15:04:05.000Z07:00"

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

func formatReset(t time.Time) string { return t.UTC().Format(resetLayout) }
