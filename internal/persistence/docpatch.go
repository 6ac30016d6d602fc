package persistence

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ApplyUpdate applies u to a JSON document and returns the patched document.
// Operation order is Unset, Set, AddToSet, Push; paths inside each group are
// applied in sorted order so the result does not depend on map iteration.
func ApplyUpdate(doc []byte, u *Update) ([]byte, error) {
	var err error
	out := append([]byte(nil), doc...)

	for _, p := range u.Unset {
		out, err = sjson.DeleteBytes(out, jsonPath(p))
		if err != nil {
			return nil, fmt.Errorf("unset %s: %w", p, err)
		}
	}

	for _, p := range sortedKeys(u.Set) {
		raw, err := EncodeValue(u.Set[p])
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
		out, err = sjson.SetRawBytes(out, jsonPath(p), raw)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}

	for _, p := range sortedKeys(u.AddToSet) {
		out, err = appendToArray(out, p, u.AddToSet[p], true)
		if err != nil {
			return nil, fmt.Errorf("addToSet %s: %w", p, err)
		}
	}

	for _, p := range sortedKeys(u.Push) {
		out, err = appendToArray(out, p, u.Push[p], false)
		if err != nil {
			return nil, fmt.Errorf("push %s: %w", p, err)
		}
	}

	return out, nil
}

func appendToArray(doc []byte, path string, v any, unique bool) ([]byte, error) {
	raw, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}

	// gjson resolves numeric segments against object keys without a prefix.
	current := gjson.GetBytes(doc, path)
	if !current.Exists() || current.Type == gjson.Null {
		return sjson.SetRawBytes(doc, jsonPath(path), append(append([]byte{'['}, raw...), ']'))
	}
	if !current.IsArray() {
		return nil, fmt.Errorf("field %s is not an array", path)
	}

	if unique {
		for _, el := range current.Array() {
			if bytes.Equal(bytes.TrimSpace([]byte(el.Raw)), raw) {
				return doc, nil
			}
		}
	}
	return sjson.SetRawBytes(doc, jsonPath(path)+".-1", raw)
}

// jsonPath converts a dotted field path into sjson syntax. Numeric segments
// are forced to object keys with the ':' prefix.
func jsonPath(p string) string {
	parts := strings.Split(p, ".")
	for i, part := range parts {
		if isDigits(part) {
			parts[i] = ":" + part
		}
	}
	return strings.Join(parts, ".")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
