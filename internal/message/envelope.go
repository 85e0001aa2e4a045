package message

type Type string

const (
	Import       Type = "import"
	Ready        Type = "ready"
	Task         Type = "task"
	Call         Type = "call"
	Result       Type = "result"
	Error        Type = "error"
	MethodResult Type = "methodResult"
	MethodError  Type = "methodError"
	Callback     Type = "callback"
	Exit         Type = "exit"
)

// Completion 由 worker 决定并随 result 一起发送，控制端不再根据是否收到 exit 推断任务状态
type Completion string

const (
	Completed Completion = "completed"
	Resident  Completion = "resident"
)

type Envelope struct {
	Type       Type       `cbor:"type"`
	Code       string     `cbor:"code,omitempty"`
	Name       string     `cbor:"name,omitempty"`
	CallID     uint64     `cbor:"callId,omitempty"`
	Callback   uint64     `cbor:"callback,omitempty"`
	Parameters []any      `cbor:"parameters,omitempty"`
	Value      any        `cbor:"value,omitempty"`
	Completion Completion `cbor:"completion,omitempty"`
	Methods    []string   `cbor:"methods,omitempty"` // 常驻任务导出的方法名
}

// CallbackHandle 代表一个跨越协程边界传递的函数
type CallbackHandle struct {
	ID uint64
}

// ProxyDescriptor 描述 worker 内一个可被远程调用的对象
type ProxyDescriptor struct {
	InstanceID int64
	Methods    []string
}

// Message 是在通道中实际流动的数据：编码后的信封和随之移动的值（共享单元、转移的缓冲区）
type Message struct {
	Data     []byte
	Transfer []any
}
