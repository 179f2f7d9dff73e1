package config

import "strings"

// Keys whose values are credentials. `relay config list` and `get` show
// only their tail.
var secretKeys = map[string]bool{
	"http.api_key":         true,
	"llm.api_key":          true,
	"voice.api_key":        true,
	"voice.lookup_api_key": true,
	"telegram.token":       true,
}

func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns the decoded config document into "section.field" keys,
// e.g. voice.agent_id. Arrays such as fhir.base_urls stay whole.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	walk(m, "", out)
	return out
}

func walk(node map[string]any, path string, out map[string]any) {
	for name, v := range node {
		key := name
		if path != "" {
			key = path + "." + name
		}
		if sub, ok := v.(map[string]any); ok {
			walk(sub, key, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten rebuilds the nested document from "section.field" keys. A key
// that runs through a scalar replaces that scalar with a section.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)
	for key, v := range flat {
		path := strings.Split(key, ".")
		section := root
		for _, name := range path[:len(path)-1] {
			section = child(section, name)
		}
		section[path[len(path)-1]] = v
	}
	return root
}

func child(section map[string]any, name string) map[string]any {
	if sub, ok := section[name].(map[string]any); ok {
		return sub
	}
	sub := make(map[string]any)
	section[name] = sub
	return sub
}

// MaskSecrets copies flat, hiding credential values behind "***" plus their
// last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for key, v := range flat {
		s, ok := v.(string)
		if secretKeys[key] && ok && s != "" {
			v = mask(s)
		}
		out[key] = v
	}
	return out
}

func mask(s string) string {
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "***" + s
}
