package schema

import (
	"encoding/json"
	"strings"

	"github.com/docgrok/docgrok/internal/common"
)

// Sanitize applies a lenient normalization pass to raw model output before a
// second validation attempt: markdown code fences are stripped and top-level
// null or empty-string members are dropped. Returns the cleaned document and
// the names of dropped members.
func Sanitize(raw []byte) ([]byte, []string, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	// Some models wrap the object in prose; keep the outermost braces.
	if i := strings.Index(text, "{"); i > 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, nil, common.E(common.KindValidation, "sanitize: decode", err)
	}

	var dropped []string
	for k, v := range m {
		switch t := v.(type) {
		case nil:
			delete(m, k)
			dropped = append(dropped, k)
		case string:
			if strings.TrimSpace(t) == "" || strings.EqualFold(t, "null") {
				delete(m, k)
				dropped = append(dropped, k)
			}
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, common.E(common.KindValidation, "sanitize: encode", err)
	}
	return b, dropped, nil
}
