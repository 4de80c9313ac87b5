package repository

import (
	"encoding/json"
	"reflect"
)

// canonicalJSONEqual 比较两段 JSON 是否语义相等（键顺序无关）
// 空值与 "{}" / "null" 视为相等
func canonicalJSONEqual(a, b json.RawMessage) bool {
	var av, bv any
	if len(a) > 0 {
		if err := json.Unmarshal(a, &av); err != nil {
			// 无法解析时退化为字节比较
			return string(a) == string(b)
		}
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &bv); err != nil {
			return string(a) == string(b)
		}
	}
	if isEmptyJSONValue(av) && isEmptyJSONValue(bv) {
		return true
	}
	return reflect.DeepEqual(av, bv)
}

func isEmptyJSONValue(v any) bool {
	if v == nil {
		return true
	}
	if m, ok := v.(map[string]any); ok {
		return len(m) == 0
	}
	return false
}
