package message

import (
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"taskpool/internal/shared"
)

// 自定义 CBOR 标签，用于在编码后的数据中标记无法复制的值
const (
	tagCallback = 55801
	tagProxy    = 55802
	tagShared   = 55803 // 共享内存单元，随 Message.Transfer 以指针传递
	tagMoved    = 55804 // 被转移的缓冲区，随 Message.Transfer 移动
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = (cbor.EncOptions{}).EncMode(); err != nil {
		panic(fmt.Sprintf("message: failed to create CBOR enc mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("message: failed to create CBOR dec mode: %v", err))
	}
}

// Replacer 在编码前把领域值（如 Go 函数、goja 对象）替换为可编码的值，返回 false 表示不处理
type Replacer func(v any) (any, bool)

type encoder struct {
	replace  Replacer
	transfer []any
	indexes  map[any]int // 同一个共享单元或转移标记只占用一个位置
	moved    []int
}

// Encode 深拷贝信封中的参数和返回值，转移标记在编码成功后才被真正取走
func Encode(e *Envelope, replace Replacer) (Message, error) {
	enc := &encoder{replace: replace, indexes: make(map[any]int)}

	out := *e
	if len(e.Parameters) > 0 {
		out.Parameters = make([]any, len(e.Parameters))
		for i, p := range e.Parameters {
			v, err := enc.walk(p)
			if err != nil {
				return Message{}, err
			}
			out.Parameters[i] = v
		}
	}
	v, err := enc.walk(e.Value)
	if err != nil {
		return Message{}, err
	}
	out.Value = v

	data, err := encMode.Marshal(&out)
	if err != nil {
		return Message{}, fmt.Errorf("message: marshal %s: %w", e.Type, err)
	}

	for _, i := range enc.moved {
		b, err := enc.transfer[i].(*shared.Transferable).Take()
		if err != nil {
			return Message{}, err
		}
		enc.transfer[i] = b
	}

	return Message{Data: data, Transfer: enc.transfer}, nil
}

func (enc *encoder) slot(v any) (int, bool) {
	if i, ok := enc.indexes[v]; ok {
		return i, false
	}
	i := len(enc.transfer)
	enc.transfer = append(enc.transfer, v)
	enc.indexes[v] = i
	return i, true
}

func (enc *encoder) walk(v any) (any, error) {
	if enc.replace != nil {
		if r, ok := enc.replace(v); ok {
			v = r
		}
	}

	switch x := v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x, nil
	case *shared.AtomicInt32:
		i, _ := enc.slot(x)
		return cbor.Tag{Number: tagShared, Content: i}, nil
	case *shared.Transferable:
		if x.Moved() {
			return nil, shared.ErrTransferred
		}
		i, fresh := enc.slot(x)
		if fresh {
			enc.moved = append(enc.moved, i)
		}
		return cbor.Tag{Number: tagMoved, Content: i}, nil
	case CallbackHandle:
		return cbor.Tag{Number: tagCallback, Content: x.ID}, nil
	case *ProxyDescriptor:
		return cbor.Tag{Number: tagProxy, Content: []any{x.InstanceID, x.Methods}}, nil
	case ProxyDescriptor:
		return cbor.Tag{Number: tagProxy, Content: []any{x.InstanceID, x.Methods}}, nil
	case error:
		return x.Error(), nil
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			w, err := enc.walk(item)
			if err != nil {
				return nil, err
			}
			m[k] = w
		}
		return m, nil
	case []any:
		s := make([]any, len(x))
		for i, item := range x {
			w, err := enc.walk(item)
			if err != nil {
				return nil, err
			}
			s[i] = w
		}
		return s, nil
	}

	// 其它类型的切片和字符串键映射逐项处理，结构体等交给 CBOR 自行编码
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		s := make([]any, rv.Len())
		for i := range s {
			w, err := enc.walk(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			s[i] = w
		}
		return s, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v, nil
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			w, err := enc.walk(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			m[iter.Key().String()] = w
		}
		return m, nil
	case reflect.Func, reflect.Chan:
		return nil, fmt.Errorf("message: value of type %T can not be sent", v)
	}
	return v, nil
}

// Decode 还原信封，映射统一为 map[string]any，可表示的整数统一为 int64
func Decode(m Message) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(m.Data, &e); err != nil {
		return nil, fmt.Errorf("message: unmarshal: %w", err)
	}

	for i, p := range e.Parameters {
		v, err := decodeValue(p, m.Transfer)
		if err != nil {
			return nil, err
		}
		e.Parameters[i] = v
	}
	v, err := decodeValue(e.Value, m.Transfer)
	if err != nil {
		return nil, err
	}
	e.Value = v

	return &e, nil
}

func decodeValue(v any, transfer []any) (any, error) {
	switch x := v.(type) {
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), nil
		}
		return x, nil
	case cbor.Tag:
		return decodeTag(x, transfer)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			w, err := decodeValue(item, transfer)
			if err != nil {
				return nil, err
			}
			m[fmt.Sprint(k)] = w
		}
		return m, nil
	case map[string]any:
		for k, item := range x {
			w, err := decodeValue(item, transfer)
			if err != nil {
				return nil, err
			}
			x[k] = w
		}
		return x, nil
	case []any:
		for i, item := range x {
			w, err := decodeValue(item, transfer)
			if err != nil {
				return nil, err
			}
			x[i] = w
		}
		return x, nil
	}
	return v, nil
}

func decodeTag(t cbor.Tag, transfer []any) (any, error) {
	switch t.Number {
	case tagCallback:
		id, ok := t.Content.(uint64)
		if !ok {
			return nil, fmt.Errorf("message: malformed callback handle %v", t.Content)
		}
		return CallbackHandle{ID: id}, nil
	case tagProxy:
		items, ok := t.Content.([]any)
		if !ok || len(items) != 2 {
			return nil, fmt.Errorf("message: malformed proxy descriptor %v", t.Content)
		}
		d := &ProxyDescriptor{}
		switch id := items[0].(type) {
		case uint64:
			d.InstanceID = int64(id)
		case int64:
			d.InstanceID = id
		}
		names, _ := items[1].([]any)
		for _, n := range names {
			if s, ok := n.(string); ok {
				d.Methods = append(d.Methods, s)
			}
		}
		return d, nil
	case tagShared, tagMoved:
		i, ok := t.Content.(uint64)
		if !ok || int(i) >= len(transfer) {
			return nil, fmt.Errorf("message: transfer index %v out of range", t.Content)
		}
		return transfer[i], nil
	}
	return t, nil
}
