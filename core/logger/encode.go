package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// orderedKeys lists the keys of e: first those named in order, then the
// rest alphabetically.
func orderedKeys(e *entry, order []string) []string {
	keys := make([]string, 0, len(e.fields))
	known := make(map[string]bool, len(order))
	for _, k := range order {
		known[k] = true
		if _, ok := e.fields[k]; ok {
			keys = append(keys, k)
		}
	}
	head := len(keys)
	for k := range e.fields {
		if !known[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys[head:])
	return keys
}

func encodeJSON(e *entry, order []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range orderedKeys(e, order) {
		v, err := json.Marshal(e.fields[k])
		if err != nil {
			return nil, fmt.Errorf("logger: encode %q: %w", k, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(k))
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeKV(e *entry, order []string) []byte {
	var buf bytes.Buffer
	for i, k := range orderedKeys(e, order) {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(kvValue(e.fields[k]))
	}
	return buf.Bytes()
}

func kvValue(v any) string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}
