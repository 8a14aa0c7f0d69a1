package config

import "fmt"

// Flatten recursively flattens a nested map or slice into a flat map keyed by
// dotted paths, with slice elements addressed by a bracketed index:
//
//	Flatten(map[string]interface{}{"a": map[string]interface{}{"b": 1}}, "p")
//	  => {"p.a.b": 1}
//	Flatten(map[string]interface{}{"b": []interface{}{"1", "2"}}, "")
//	  => {"b[0]": "1", "b[1]": "2"}
//
// Every leaf scalar of the input appears exactly once in the output.  A bare
// scalar maps to the prefix itself ("" when the prefix is empty).
func Flatten(value interface{}, prefix string) map[string]interface{} {
	flat := map[string]interface{}{}
	switch v := value.(type) {
	case map[string]interface{}:
		for key, item := range v {
			childPrefix := key
			if prefix != "" {
				childPrefix = prefix + "." + key
			}
			for k, leaf := range Flatten(item, childPrefix) {
				flat[k] = leaf
			}
		}
	case []interface{}:
		for i, item := range v {
			childPrefix := fmt.Sprintf("%s[%d]", prefix, i)
			for k, leaf := range Flatten(item, childPrefix) {
				flat[k] = leaf
			}
		}
	default:
		flat[prefix] = value
	}
	return flat
}
