package store

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// encodeDoc сохраняет v как JSON-объект через structpb: в базу попадает
// только то, что переживает protojson (объекты, строки, числа, bool).
func encodeDoc(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("document is not an object: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return "", err
	}
	out, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeDoc(s string, v any) error {
	if s == "" {
		return nil
	}
	var st structpb.Struct
	if err := protojson.Unmarshal([]byte(s), &st); err != nil {
		return err
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// encodeDetails — то же для map[string]string без промежуточного JSON.
func encodeDetails(details map[string]string) (string, error) {
	m := make(map[string]any, len(details))
	for k, v := range details {
		m[k] = v
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return "", err
	}
	out, err := protojson.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeDetails(s string) (map[string]string, error) {
	out := map[string]string{}
	if s == "" {
		return out, nil
	}
	var st structpb.Struct
	if err := protojson.Unmarshal([]byte(s), &st); err != nil {
		return nil, err
	}
	for k, v := range st.GetFields() {
		out[k] = v.GetStringValue()
	}
	return out, nil
}
