package wire

import (
	"strings"

	"chatgate/tools/errs"
)

const (
	fieldSep = "|"
	kvSep    = ":"
	typeKey  = "type"
)

type Field struct {
	Key   string
	Value string
}

// Record is one decoded backend line: the type discriminator plus its
// remaining fields in wire order. Values stay escaped.
type Record struct {
	Type   string
	Fields []Field
	Raw    string
}

// Decode parses `type:<t>|k:v|...`. Parts without a colon are kept as keys
// with an empty value; later duplicates of a key are ignored by Get.
func Decode(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Record{}, errs.ErrMalformed.WrapMsg("empty line")
	}
	rec := Record{Raw: line}
	for i, part := range strings.Split(line, fieldSep) {
		k, v, _ := strings.Cut(part, kvSep)
		k = strings.TrimSpace(k)
		if i == 0 {
			if k != typeKey || strings.TrimSpace(v) == "" {
				return Record{}, errs.ErrMalformed.WrapMsg("missing type discriminator", "line", truncate(line))
			}
			rec.Type = strings.TrimSpace(v)
			continue
		}
		if k == "" {
			continue
		}
		rec.Fields = append(rec.Fields, Field{Key: k, Value: v})
	}
	return rec, nil
}

// Get returns the first value for key, still escaped.
func (r Record) Get(key string) string {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

func (r Record) Has(key string) bool {
	for _, f := range r.Fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Map returns first-wins fields, still escaped.
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r.Fields))
	for _, f := range r.Fields {
		if _, ok := m[f.Key]; !ok {
			m[f.Key] = f.Value
		}
	}
	return m
}

// Unescaped returns Map with every value unescaped once.
func (r Record) Unescaped() map[string]string {
	m := r.Map()
	for k, v := range m {
		m[k] = Unescape(v)
	}
	return m
}

// Tail returns the raw text following the first occurrence of `key:`.
// History replies embed '|' separated entries inside one field, so the
// usual field split cannot recover them.
func (r Record) Tail(key string) (string, bool) {
	marker := fieldSep + key + kvSep
	idx := strings.Index(r.Raw, marker)
	if idx < 0 {
		return "", false
	}
	return r.Raw[idx+len(marker):], true
}

func truncate(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
