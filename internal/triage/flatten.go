package triage

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Flatten turns a JSON report object into the flat key/value view conditions
// are evaluated against. Nested objects join their keys with ".", array
// elements use their index, and null becomes the empty string.
//
//	{"UpdateState":"failed","Metadata":{"Version":"1.2"},"Shards":[{"Name":"a"}]}
//
// flattens to UpdateState=failed, Metadata.Version=1.2 and Shards.0.Name=a.
func Flatten(raw []byte) (map[string]string, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidReport)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level is %s, want object", ErrInvalidReport, root.Type)
	}
	out := make(map[string]string)
	flattenInto(out, "", root)
	return out, nil
}

func flattenInto(out map[string]string, prefix string, v gjson.Result) {
	switch {
	case v.IsObject():
		v.ForEach(func(k, child gjson.Result) bool {
			flattenInto(out, join(prefix, k.String()), child)
			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, child gjson.Result) bool {
			flattenInto(out, join(prefix, strconv.Itoa(i)), child)
			i++
			return true
		})
	case v.Type == gjson.Null:
		out[prefix] = ""
	default:
		out[prefix] = v.String()
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
