package handler

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"taskpool/internal"
	"taskpool/internal/util"
)

// frame 是 websocket 上双向传递的消息
//
// 客户端发送 task（code 或 url）、call（task、method）、exit 和 terminate，
// 服务端返回 result、error 以及任务调用回调时的 callback。参数中的 {"$callback": "<name>"} 会被替换为回调函数。
type frame struct {
	Type    string        `json:"type"`
	Id      string        `json:"id,omitempty"`
	Task    string        `json:"task,omitempty"`
	Code    string        `json:"code,omitempty"`
	Url     string        `json:"url,omitempty"`
	Method  string        `json:"method,omitempty"`
	Name    string        `json:"name,omitempty"`
	Params  []interface{} `json:"params,omitempty"`
	Value   interface{}   `json:"value,omitempty"`
	State   string        `json:"state,omitempty"`
	Message string        `json:"message,omitempty"`
}

type session struct {
	h     *Handler
	conn  *websocket.Conn
	mu    sync.Mutex // 连接同一时刻只允许一个协程写入
	tasks map[string]*internal.TaskHandle
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade 失败时已向客户端返回错误
	}
	s := &session{h: h, conn: conn, tasks: make(map[string]*internal.TaskHandle)}
	defer s.close()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				internal.LogWithError(err, -1)
			}
			return
		}
		s.dispatch(&f)
	}
}

func (s *session) write(f *frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		internal.LogWithError(err, -1)
	}
}

func (s *session) fail(id string, err error) {
	s.write(&frame{Type: "error", Id: id, Message: err.Error()})
}

func (s *session) dispatch(f *frame) {
	switch f.Type {
	case "task":
		s.post(f)
	case "call":
		h, ok := s.tasks[f.Task]
		if !ok {
			s.fail(f.Id, internal.ErrTaskExited)
			return
		}
		s.reply(f.Id, h.Call(f.Method, s.bind(f.Id, f.Params)...))
	case "exit":
		if h, ok := s.tasks[f.Task]; ok {
			s.reply(f.Id, h.Exit())
			delete(s.tasks, f.Task)
			return
		}
		s.fail(f.Id, internal.ErrTaskExited)
	case "terminate":
		if h, ok := s.tasks[f.Task]; ok {
			h.Terminate()
			delete(s.tasks, f.Task)
		}
	default:
		s.fail(f.Id, errors.New("unexpected frame type: "+f.Type))
	}
}

func (s *session) post(f *frame) {
	if f.Id == "" {
		s.fail(f.Id, errors.New("id is required"))
		return
	}
	h, err := s.h.post(taskRequest{Code: f.Code, Url: f.Url, Params: s.bind(f.Id, f.Params)})
	if err != nil {
		s.fail(f.Id, err)
		return
	}
	s.tasks[f.Id] = h

	id := f.Id
	h.Then(func(value any) {
		s.write(&frame{Type: "result", Id: id, Value: value, State: h.State().String()})
	}).Catch(func(err error) {
		s.fail(id, err)
	})
}

func (s *session) reply(id string, f *internal.Future) {
	f.Then(func(value any) {
		s.write(&frame{Type: "result", Id: id, Value: value})
	}).Catch(func(err error) {
		s.fail(id, err)
	})
}

// bind 将参数中的回调标记替换为向客户端发送 callback 消息的函数
func (s *session) bind(id string, params []interface{}) []interface{} {
	bound := make([]interface{}, len(params))
	for i, p := range params {
		bound[i] = s.bindValue(id, p)
	}
	return bound
}

func (s *session) bindValue(id string, v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		if name, ok := util.ExportMapValue(x, "$callback", "string"); ok {
			return internal.Callback(func(params ...any) any {
				s.write(&frame{Type: "callback", Id: id, Name: name.(string), Params: params})
				return nil
			})
		}
		o := make(map[string]interface{}, len(x))
		for k, item := range x {
			o[k] = s.bindValue(id, item)
		}
		return o
	case []interface{}:
		return s.bind(id, x)
	}
	return v
}

// close 在连接断开后退出常驻任务、终止仍在运行的任务
func (s *session) close() {
	s.conn.Close()
	for _, h := range s.tasks {
		if h.State() == internal.TaskPersistent {
			h.Exit()
			continue
		}
		select {
		case <-h.Done():
		default:
			h.Terminate()
		}
	}
}
