package spec

import (
	"bytes"
	"encoding/json"
)

// field is one key of an ordered JSON object
type field struct {
	key   string
	value interface{}
}

// object serializes its fields in slice order, which is what makes the
// representation stable enough to hash and sign
type object []field

// MarshalJSON implements json.Marshaler
func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalValue(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := marshalValue(f.value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// swap exchanges the positions of two keys; it is a no-op if either is absent
func (o object) swap(a, b string) object {
	ia, ib := -1, -1
	for i, f := range o {
		switch f.key {
		case a:
			ia = i
		case b:
			ib = i
		}
	}
	if ia < 0 || ib < 0 {
		return o
	}
	out := append(object{}, o...)
	out[ia], out[ib] = out[ib], out[ia]
	return out
}

// marshalValue encodes without HTML escaping so that "<", ">" and "&" are
// kept verbatim in the signed bytes
func marshalValue(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func strs(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func ints(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}

func tierFields(t Tiers) object {
	return object{
		{"cpubasic", t.CPUBasic},
		{"cpusuper", t.CPUSuper},
		{"cpubamf", t.CPUBamf},
		{"rambasic", t.RAMBasic},
		{"ramsuper", t.RAMSuper},
		{"rambamf", t.RAMBamf},
		{"hddbasic", t.HDDBasic},
		{"hddsuper", t.HDDSuper},
		{"hddbamf", t.HDDBamf},
	}
}

var tierKeys = []string{
	"cpubasic", "cpusuper", "cpubamf",
	"rambasic", "ramsuper", "rambamf",
	"hddbasic", "hddsuper", "hddbamf",
}
