package builtin

import (
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/dop251/goja"
)

func init() {
	Builtins["Buffer"] = func(worker Worker) interface{} {
		runtime := worker.Runtime()

		o := runtime.ToValue(func(call goja.ConstructorCall) *goja.Object {
			return runtime.ToValue(&Buffer{}).ToObject(runtime)
		}).ToObject(runtime)

		o.Set("from", func(input goja.Value, encoding string) (*Buffer, error) {
			var raw []byte
			switch v := input.Export().(type) {
			case goja.ArrayBuffer: // 从 ArrayBuffer 创建时复制一份，避免与原缓冲区共享内存
				raw = append([]byte(nil), v.Bytes()...)
			case string:
				raw = []byte(v)
			default:
				if err := runtime.ExportTo(input, &raw); err != nil {
					return nil, err
				}
			}
			dat, err := decode(raw, encoding)
			return (*Buffer)(&dat), err
		})

		return o
	}
}

// Buffer 在运行时中表现为数组，长度通过 length 属性读取
type Buffer []byte

func (b *Buffer) ToString(encoding string) (string, error) {
	return encode(([]byte)(*b), encoding)
}

func encode(input []byte, encoding string) (string, error) {
	switch encoding {
	case "", "utf8":
		return string(input), nil
	case "hex":
		return hex.EncodeToString(input), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(input), nil
	case "base64url":
		return base64.URLEncoding.EncodeToString(input), nil
	}
	return "", errors.New("unsupported encoding: " + encoding)
}

func decode(input []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf8":
		return input, nil
	case "hex":
		return hex.DecodeString(string(input))
	case "base64":
		return base64.StdEncoding.DecodeString(string(input))
	case "base64url":
		return base64.URLEncoding.DecodeString(string(input))
	}
	return nil, errors.New("unsupported encoding: " + encoding)
}
