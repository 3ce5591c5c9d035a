package spec

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// reader extracts typed fields from a decoded JSON object, applying the
// documented numeric and boolean string coercions
type reader struct {
	raw    map[string]interface{}
	prefix string
}

func (r reader) path(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + "." + key
}

func (r reader) has(key string) bool {
	_, ok := r.raw[key]
	return ok
}

func (r reader) str(key string) (string, error) {
	v, ok := r.raw[key]
	if !ok || v == nil {
		return "", missing(r.path(key))
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidType(r.path(key), "string")
	}
	return s, nil
}

func (r reader) number(key string) (float64, error) {
	v, ok := r.raw[key]
	if !ok || v == nil {
		return 0, missing(r.path(key))
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, invalidType(r.path(key), "number")
	}
	return f, nil
}

func (r reader) integer(key string) (int, error) {
	f, err := r.number(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, invalidType(r.path(key), "integer")
	}
	return int(f), nil
}

func (r reader) boolean(key string) (bool, error) {
	v, ok := r.raw[key]
	if !ok || v == nil {
		return false, missing(r.path(key))
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch b {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, invalidType(r.path(key), "boolean")
}

func (r reader) strings(key string) ([]string, error) {
	v, ok := r.raw[key]
	if !ok || v == nil {
		return nil, missing(r.path(key))
	}
	list, ok := v.([]interface{})
	if !ok {
		if typed, ok := v.([]string); ok {
			return append([]string{}, typed...), nil
		}
		return nil, invalidType(r.path(key), "array of strings")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, invalidType(r.path(key), "array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func (r reader) integers(key string) ([]int, error) {
	v, ok := r.raw[key]
	if !ok || v == nil {
		return nil, missing(r.path(key))
	}
	list, ok := v.([]interface{})
	if !ok {
		if typed, ok := v.([]int); ok {
			return append([]int{}, typed...), nil
		}
		return nil, invalidType(r.path(key), "array of integers")
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		f, ok := toFloat(item)
		if !ok || f != math.Trunc(f) {
			return nil, invalidType(r.path(key), "array of integers")
		}
		out = append(out, int(f))
	}
	return out, nil
}

func (r reader) objects(key string) ([]map[string]interface{}, error) {
	v, ok := r.raw[key]
	if !ok || v == nil {
		return nil, missing(r.path(key))
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, invalidType(r.path(key), "array of objects")
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, invalidType(r.path(key), "array of objects")
		}
		out = append(out, obj)
	}
	return out, nil
}

// tiers reads the nine tier fields; they are only required when tiered is set
func (r reader) tiers() (Tiers, error) {
	var t Tiers
	var err error
	if t.CPUBasic, err = r.number("cpubasic"); err != nil {
		return t, err
	}
	if t.CPUSuper, err = r.number("cpusuper"); err != nil {
		return t, err
	}
	if t.CPUBamf, err = r.number("cpubamf"); err != nil {
		return t, err
	}
	if t.RAMBasic, err = r.integer("rambasic"); err != nil {
		return t, err
	}
	if t.RAMSuper, err = r.integer("ramsuper"); err != nil {
		return t, err
	}
	if t.RAMBamf, err = r.integer("rambamf"); err != nil {
		return t, err
	}
	if t.HDDBasic, err = r.integer("hddbasic"); err != nil {
		return t, err
	}
	if t.HDDSuper, err = r.integer("hddsuper"); err != nil {
		return t, err
	}
	if t.HDDBamf, err = r.integer("hddbamf"); err != nil {
		return t, err
	}
	return t, nil
}

// closedKeys rejects any key not present in allowed
func (r reader) closedKeys(allowed []string) error {
	set := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		set[k] = struct{}{}
	}
	for k := range r.raw {
		if _, ok := set[k]; !ok {
			return disallowedKey(r.path(k))
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
