package store

import "encoding/json"

// NormalizeMetadata 在存储适配层把元数据统一成强类型 map。
// 历史数据里该列有时是 JSON 对象，有时是被二次编码的 JSON 字符串，
// 这里全部解开，管线逻辑永远只见到 map。
func NormalizeMetadata(raw string) map[string]any {
	if raw == "" {
		return nil
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{"raw": raw}
	}

	// 二次编码的字符串再解一层。
	if s, ok := v.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return map[string]any{"raw": s}
		}
		v = inner
	}

	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// EncodeMetadata 序列化元数据 map，nil/空 map 返回空串。
func EncodeMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeAliases 解析 JSON 数组文本形式的别名列。
func DecodeAliases(raw string) []string {
	if raw == "" {
		return nil
	}
	var aliases []string
	if err := json.Unmarshal([]byte(raw), &aliases); err != nil {
		return nil
	}
	return aliases
}

// EncodeAliases 序列化别名列表。
func EncodeAliases(aliases []string) string {
	if len(aliases) == 0 {
		return ""
	}
	data, err := json.Marshal(aliases)
	if err != nil {
		return ""
	}
	return string(data)
}
