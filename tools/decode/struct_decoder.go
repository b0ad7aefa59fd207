package decode

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 是否启用宽松解码（默认 true）：
	// 例如 "123" -> int、"true" -> bool。
	WeaklyTypedInput bool
}

// DefaultOptions 返回默认选项。
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// DecodeStruct 将 *structpb.Struct 动态解码到任意结构体 T。
// 结构体字段读取使用 `json` tag。
func DecodeStruct[T any](st *structpb.Struct, opts ...Options) (*T, error) {
	if st == nil {
		return nil, fmt.Errorf("struct is nil")
	}
	return DecodeMap[T](st.AsMap(), opts...)
}

// DecodeMap decodes a loosely typed map (a wire record's fields, a Struct's
// AsMap) into T. Comma separated strings become []string.
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			commaStringToSliceHook(),
			sliceAnyToSliceStringHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}

	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return &out, nil
}

// DecodeFields is DecodeMap for string-only field sets.
func DecodeFields[T any](fields map[string]string) (*T, error) {
	m := make(map[string]any, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return DecodeMap[T](m)
}

// ReadString 从 Struct 中读取 string 字段。
func ReadString(st *structpb.Struct, key string) (string, error) {
	if st == nil {
		return "", fmt.Errorf("struct is nil")
	}
	v, ok := st.AsMap()[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	default:
		return "", fmt.Errorf("field %q not string (got %T)", key, v)
	}
}

// ReadStringSlice 从 Struct 中读取字符串数组（兼容 []any）。
func ReadStringSlice(st *structpb.Struct, key string) ([]string, error) {
	if st == nil {
		return nil, fmt.Errorf("struct is nil")
	}
	v, ok := st.AsMap()[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("missing field %q", key)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q type %T not array", key, v)
	}
	return toStrings(arr), nil
}

// -----------------------------
// Decode Hooks
// -----------------------------

// floatToIntHook：把 float64 自动转为 int / int32 / int64。
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}

// commaStringToSliceHook："a,b,c" -> []string{"a","b","c"}，空串 -> 空切片。
func commaStringToSliceHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.String || to != reflect.Slice {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return []string{}, nil
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
}

// sliceAnyToSliceStringHook：把 []any 自动转为 []string。
func sliceAnyToSliceStringHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Slice || to != reflect.Slice {
			return data, nil
		}
		src, ok := data.([]any)
		if !ok {
			return data, nil
		}
		return toStrings(src), nil
	}
}

func toStrings(src []any) []string {
	out := make([]string, 0, len(src))
	for _, it := range src {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		case json.Number:
			out = append(out, v.String())
		default:
			// 兜底：JSON 化
			b, _ := json.Marshal(v)
			out = append(out, string(b))
		}
	}
	return out
}
