package backend

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Model is one catalog entry in normalized form.
type Model struct {
	ID         string
	Name       string
	NativeName string
	Fee        string
	Type       string
	Tags       []string
}

// SessionInfo is a normalized session-creation answer.
type SessionInfo struct {
	ID string
}

// The backend spells the same fields with different casing depending on the
// endpoint and version. Everything is folded into the structs above here and
// nowhere else.
var (
	idKeys         = []string{"Id", "id", "ID"}
	sessionIDKeys  = []string{"sessionID", "sessionId", "session_id", "SessionID", "Id", "id", "ID"}
	nameKeys       = []string{"Name", "name"}
	nativeNameKeys = []string{"ModelName", "modelName", "native_name", "nativeName"}
	feeKeys        = []string{"Fee", "fee"}
	typeKeys       = []string{"Type", "type"}
	tagKeys        = []string{"Tags", "tags"}
	listKeys       = []string{"models", "Models", "data", "result"}
)

func parseSession(body []byte) (SessionInfo, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return SessionInfo{}, false
	}
	if id := pickString(obj, sessionIDKeys...); id != "" {
		return SessionInfo{ID: id}, true
	}
	for _, k := range []string{"session", "Session", "result"} {
		if raw, ok := obj[k]; ok {
			if info, ok := parseSession(raw); ok {
				return info, true
			}
		}
	}
	return SessionInfo{}, false
}

func parseModels(body []byte) ([]Model, error) {
	body = bytes.TrimSpace(body)

	var entries []map[string]json.RawMessage
	if len(body) > 0 && body[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, err
		}
		for _, k := range listKeys {
			if raw, ok := obj[k]; ok {
				if err := json.Unmarshal(raw, &entries); err != nil {
					return nil, err
				}
				break
			}
		}
	} else if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	models := make([]Model, 0, len(entries))
	for _, e := range entries {
		m := Model{
			ID:         pickString(e, idKeys...),
			Name:       pickString(e, nameKeys...),
			NativeName: pickString(e, nativeNameKeys...),
			Fee:        pickString(e, feeKeys...),
			Type:       pickString(e, typeKeys...),
			Tags:       pickStrings(e, tagKeys...),
		}
		if m.ID == "" {
			continue
		}
		if m.NativeName == "" {
			m.NativeName = m.Name
		}
		models = append(models, m)
	}
	return models, nil
}

// pickString returns the first key present with a string or number value.
func pickString(obj map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return strconv.FormatBool(b)
		}
	}
	return ""
}

func pickStrings(obj map[string]json.RawMessage, keys ...string) []string {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return list
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			parts := strings.Split(s, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return out
		}
	}
	return nil
}
