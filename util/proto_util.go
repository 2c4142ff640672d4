package util

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"
)

// ConvertToStruct renders any JSON-serializable value as a protobuf Struct.
func ConvertToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return structpb.NewStruct(data)
}

// StringField reads a string field from a Struct, empty when missing.
func StringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}
