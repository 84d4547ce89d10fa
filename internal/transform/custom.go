package transform

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sells-group/crm-import/pkg/crm"
)

// CustomFields flattens named custom fields into snake_case keys. Fields
// with an empty name or value are dropped; on a repeated key the last
// value wins.
func CustomFields(fields []crm.CustomFieldValue) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		key := snakeCase(f.Name)
		if key == "" {
			continue
		}
		v := stringify(f.Value)
		if v == "" {
			continue
		}
		out[key] = v
	}
	return out
}

func snakeCase(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		isWord := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isWord {
			sep = b.Len() > 0
			continue
		}
		if sep {
			b.WriteByte('_')
			sep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
