package util

import (
	"errors"

	"github.com/dop251/goja"
)

// ExportValue 导出 goja 值，ArrayBuffer 复制为 []byte，已完成的 Promise 取其结果
func ExportValue(value goja.Value) (interface{}, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	switch v := value.Export().(type) {
	case goja.ArrayBuffer:
		return append([]byte(nil), v.Bytes()...), nil
	case *goja.Promise:
		switch v.State() {
		case goja.PromiseStateRejected:
			return nil, errors.New(v.Result().String())
		case goja.PromiseStateFulfilled:
			return ExportValue(v.Result())
		default:
			return nil, errors.New("unexpected promise state pending")
		}
	default:
		return v, nil
	}
}
