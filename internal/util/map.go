package util

// ExportMapValue 读取 json 解码或 goja 导出的对象属性，t 为期望的类型
func ExportMapValue(obj map[string]interface{}, name string, t string) (value interface{}, success bool) {
	if obj == nil {
		return
	}
	if o, k := obj[name]; k {
		switch t {
		case "string":
			value, success = o.(string)
		case "bool":
			value, success = o.(bool)
		case "int":
			switch n := o.(type) {
			case float64: // json 中的数字统一解码为 float64
				if n == float64(int(n)) {
					value, success = int(n), true
				}
			case int64: // goja 导出的整数为 int64
				value, success = int(n), true
			case int:
				value, success = n, true
			}
		case "float":
			switch n := o.(type) {
			case float64:
				value, success = n, true
			case int64:
				value, success = float64(n), true
			case int:
				value, success = float64(n), true
			}
		case "map":
			value, success = o.(map[string]interface{})
		case "slice":
			value, success = o.([]interface{})
		default:
			panic("type " + t + " is not supported")
		}
	}
	return
}
