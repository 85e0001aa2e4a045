package internal

import (
	"errors"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"taskpool/internal/builtin"
	"taskpool/internal/message"
	"taskpool/internal/shared"
	"taskpool/internal/util"
)

//#region 出站

// replace 把运行时导出的值替换为可跨协程传递的值
func (w *Worker) replace(v any) (any, bool) {
	switch x := v.(type) {
	case goja.Value:
		if x == nil || goja.IsUndefined(x) {
			return nil, true
		}
		return w.replace(x.Export())
	case goja.ArrayBuffer:
		return append([]byte(nil), x.Bytes()...), true
	case *builtin.Buffer:
		return []byte(*x), true
	case builtin.Buffer:
		return []byte(x), true
	case *atomicObject:
		return x.cell, true
	}
	return nil, false
}

func (w *Worker) export(value goja.Value) any {
	v, err := util.ExportValue(value)
	if err != nil {
		return err.Error()
	}
	return v
}

// thrown 是 Promise 被拒绝时的原因
type thrown struct {
	value goja.Value
}

func (t *thrown) Error() string {
	return t.value.String()
}

func rejection(v goja.Value) error {
	return &thrown{v}
}

// exceptionValue 将异常转换为 error 信封中的值，Error 对象保留 name、message 和 stack
func exceptionValue(err error) any {
	var value goja.Value
	var ex *goja.Exception
	var t *thrown
	switch {
	case errors.As(err, &ex):
		value = ex.Value()
	case errors.As(err, &t):
		value = t.value
	default:
		return err.Error()
	}
	if value == nil {
		return err.Error()
	}

	if o, ok := value.(*goja.Object); ok {
		if message := o.Get("message"); message != nil && !goja.IsUndefined(message) {
			e := map[string]any{"message": message.String()}
			if name := o.Get("name"); name != nil && !goja.IsUndefined(name) {
				e["name"] = name.String()
			}
			if stack := o.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
				e["stack"] = stack.String()
			} else if ex != nil {
				e["stack"] = ex.String()
			}
			return e
		}
		return value.String()
	}
	return value.Export()
}

//#endregion

//#region 入站

func (w *Worker) toValues(params []any) []goja.Value {
	values := make([]goja.Value, len(params))
	for i, p := range params {
		values[i] = w.toValue(p)
	}
	return values
}

func (w *Worker) toValue(v any) goja.Value {
	runtime := w.runtime
	switch x := v.(type) {
	case nil:
		return goja.Undefined()
	case message.CallbackHandle:
		return runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			params := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				params[i] = w.export(arg)
			}
			err := w.port.Post(&message.Envelope{Type: message.Callback, Callback: x.ID, Parameters: params}, w.replace)
			if err != nil && !errors.Is(err, message.ErrClosed) {
				panic(runtime.NewGoError(err))
			}
			return goja.Undefined() // 回调在控制端异步执行，不返回结果
		})
	case []byte: // 被转移的缓冲区直接使用，复制得到的字节串同样是独立的内存
		return runtime.ToValue(runtime.NewArrayBuffer(x))
	case *shared.AtomicInt32:
		return w.atomicObject(x)
	case *message.ProxyDescriptor:
		o := runtime.NewObject()
		o.Set("type", "proxy")
		o.Set("instanceId", x.InstanceID)
		o.Set("methods", x.Methods)
		return o
	case map[string]any:
		o := runtime.NewObject()
		for k, item := range x {
			o.Set(k, w.toValue(item))
		}
		return o
	case []any:
		items := make([]interface{}, len(x))
		for i, item := range x {
			items[i] = w.toValue(item)
		}
		return runtime.NewArray(items...)
	}
	return runtime.ToValue(v)
}

//#endregion

//#region 转移、共享内存

// transfer 将 ArrayBuffer 的内容移出，原缓冲区随即失效，返回值只能在下一条消息中发送一次
func (w *Worker) transfer(call goja.FunctionCall) goja.Value {
	runtime := w.runtime
	ab, ok := call.Argument(0).Export().(goja.ArrayBuffer)
	if !ok {
		panic(runtime.NewTypeError("transfer expects an ArrayBuffer"))
	}
	if ab.Detached() {
		panic(runtime.NewGoError(shared.ErrTransferred))
	}
	data := ab.Bytes()
	ab.Detach()
	return runtime.ToValue(shared.Transfer(&data))
}

// atomicObject 让任务代码以 js 对象的形式访问共享单元，导出时还原为同一个单元
type atomicObject struct {
	worker  *Worker
	cell    *shared.AtomicInt32
	methods map[string]goja.Value
}

func (w *Worker) atomicObject(cell *shared.AtomicInt32) *goja.Object {
	runtime := w.runtime
	a := &atomicObject{worker: w, cell: cell}
	arg := func(call goja.FunctionCall, i int) int32 {
		return int32(call.Argument(i).ToInteger())
	}
	a.methods = map[string]goja.Value{
		"load": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(cell.Load())
		}),
		"store": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(cell.Store(arg(call, 0)))
		}),
		"add": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(cell.Add(arg(call, 0)))
		}),
		"sub": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(cell.Sub(arg(call, 0)))
		}),
		"and": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(cell.And(arg(call, 0)))
		}),
		"or": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(cell.Or(arg(call, 0)))
		}),
		"exchange": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(cell.Exchange(arg(call, 0)))
		}),
		"compareExchange": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(cell.CompareExchange(arg(call, 0), arg(call, 1)))
		}),
		"wait": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			timeout := time.Duration(-1)
			if t := call.Argument(1); !goja.IsUndefined(t) && !goja.IsNull(t) {
				timeout = time.Duration(t.ToFloat() * float64(time.Millisecond))
			}
			return runtime.ToValue(string(cell.Wait(arg(call, 0), timeout)))
		}),
		"notify": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			count := -1
			if c := call.Argument(0); !goja.IsUndefined(c) {
				count = int(c.ToInteger())
			}
			return runtime.ToValue(cell.Notify(count))
		}),
		"toString": runtime.ToValue(func(call goja.FunctionCall) goja.Value {
			return runtime.ToValue(strconv.Itoa(int(cell.Load())))
		}),
	}
	return runtime.NewDynamicObject(a)
}

func (a *atomicObject) Get(key string) goja.Value {
	if key == "value" {
		return a.worker.runtime.ToValue(a.cell.Load())
	}
	return a.methods[key]
}

func (a *atomicObject) Set(key string, val goja.Value) bool {
	if key != "value" {
		return false
	}
	a.cell.Store(int32(val.ToInteger()))
	return true
}

func (a *atomicObject) Has(key string) bool {
	_, ok := a.methods[key]
	return ok || key == "value"
}

func (a *atomicObject) Delete(key string) bool {
	return false
}

func (a *atomicObject) Keys() []string {
	return []string{"value"}
}

//#endregion

//#region 代理对象

// proxyBuilder 以显式的成员表构建代理对象，方法以 "<instanceId>.<name>" 注册到方法表
type proxyBuilder struct {
	worker   *Worker
	instance int64
	names    []string
}

func (b *proxyBuilder) Add(name string, fn goja.Callable) *proxyBuilder {
	b.worker.methods[b.qualify(name)] = fn
	b.names = append(b.names, name)
	return b
}

func (b *proxyBuilder) Build() *message.ProxyDescriptor {
	return &message.ProxyDescriptor{InstanceID: b.instance, Methods: append([]string(nil), b.names...)}
}

func (b *proxyBuilder) qualify(name string) string {
	return strconv.FormatInt(b.instance, 10) + "." + name
}

//#endregion
