package extract

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"

	"github.com/user/relay/internal/record"
)

var (
	schemaOnce sync.Once
	schemaJSON json.RawMessage
)

// RecordSchema returns the strict JSON schema of record.Record: every field
// is required and every scalar is nullable.
func RecordSchema() json.RawMessage {
	schemaOnce.Do(func() {
		data, err := json.Marshal(schemaFor(reflect.TypeOf(record.Record{})))
		if err != nil {
			panic("record schema: " + err.Error())
		}
		schemaJSON = data
	})
	return schemaJSON
}

var listType = reflect.TypeOf(record.List{})

func schemaFor(t reflect.Type) map[string]any {
	if t == listType {
		return map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		}
	}
	switch t.Kind() {
	case reflect.Struct:
		props := make(map[string]any, t.NumField())
		required := make([]string, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("json"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			props[name] = schemaFor(f.Type)
			required = append(required, name)
		}
		return map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
	case reflect.Pointer:
		return map[string]any{"type": []string{scalarType(t.Elem().Kind()), "null"}}
	}
	return map[string]any{"type": scalarType(t.Kind())}
}

func scalarType(k reflect.Kind) string {
	switch k {
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	}
	return "string"
}
