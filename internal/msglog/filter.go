package msglog

import (
	"encoding/json"
	"strings"
)

// Filter narrows message reads. The zero value matches everything.
type Filter struct {
	From   string // sender pubkey, hex
	Since  int64  // ms, inclusive
	Until  int64  // ms, inclusive; 0 = no bound
	Search string // case-insensitive substring of the content
	Group  string // group id; "" matches any, "-" matches direct only
	Limit  int    // 0 = no limit
	Offset int
}

// Match reports whether one message passes the filter.
func (f Filter) Match(m StoredMessage) bool {
	if f.From != "" && !strings.EqualFold(m.From, f.From) {
		return false
	}
	if f.Since > 0 && m.Timestamp < f.Since {
		return false
	}
	if f.Until > 0 && m.Timestamp > f.Until {
		return false
	}
	if f.Group == "-" {
		if m.IsGroup {
			return false
		}
	} else if f.Group != "" {
		if !m.IsGroup || m.GroupID == nil || *m.GroupID != f.Group {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(contentText(m.Content)), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// Apply filters, then pages, preserving order.
func (f Filter) Apply(msgs []StoredMessage) []StoredMessage {
	out := make([]StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func contentText(content any) string {
	switch t := content.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
