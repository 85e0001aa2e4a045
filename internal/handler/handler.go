package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"taskpool/internal"
	"taskpool/internal/util"
)

type Handler struct {
	Pool          *internal.Pool
	Db            *sql.DB
	Scheduler     *internal.Scheduler
	Authorization string        // <username:password>，为空时不校验
	Timeout       time.Duration // 通过 http 投递的任务的超时时间

	auth     *util.DigestAuth
	upgrader websocket.Upgrader
}

const realm = "taskpool"

// Routes 注册接口；/stats 不需要认证，其余接口在配置了 Authorization 时使用摘要认证
func (h *Handler) Routes(mux *http.ServeMux) error {
	if h.Authorization != "" {
		auth, err := util.NewDigestAuth(realm, h.Authorization)
		if err != nil {
			return err
		}
		h.auth = auth
	}

	// 运行态
	mux.HandleFunc("/task", h.authenticate(h.HandleTask))
	mux.HandleFunc("/ws", h.authenticate(h.HandleWebSocket))
	mux.HandleFunc("/stats", h.HandleStats)

	// 开发态
	mux.HandleFunc("/source", h.authenticate(h.HandleSource))
	return nil
}

func toSuccess(w http.ResponseWriter, data interface{}) {
	switch v := data.(type) {
	case string:
		fmt.Fprintf(w, "%s", v)
	case []byte:
		w.Write(v)
	default:
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.Encode(map[string]interface{}{
			"code":    "0",
			"message": "success",
			"data":    v, // 注：[]byte 类型的属性在 json 序列化后将会被转码为 base64 字符串
		})
	}
}

func toError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, internal.ErrTerminated):
		status = http.StatusGatewayTimeout
	case errors.Is(err, internal.ErrClosed), errors.Is(err, internal.ErrBootstrap):
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{
		"code":    "1",
		"message": err.Error(),
	}
	var te *internal.TaskError
	if errors.As(err, &te) { // 任务代码抛出的异常，返回异常名称和调用栈
		body["message"] = te.Message
		if te.Name != "" {
			body["name"] = te.Name
		}
		if te.Stack != "" {
			body["stack"] = te.Stack
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status) // 在同一次请求响应过程中，只能调用一次 WriteHeader
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil || h.auth.Verify(r.Header.Get("Authorization"), r.Method, r.RequestURI) {
			next(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", h.auth.Challenge())
		w.WriteHeader(http.StatusUnauthorized)
	}
}
