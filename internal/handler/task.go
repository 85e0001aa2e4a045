package handler

import (
	"context"
	"errors"
	"net/http"

	"taskpool/internal"
	"taskpool/internal/util"
)

const maxBodySize = 8 << 20

type taskRequest struct {
	Code   string        `json:"code"`
	Url    string        `json:"url"` // http(s)://、file:// 或 source:<name>
	Params []interface{} `json:"params"`
}

func (h *Handler) HandleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req taskRequest
	if err := util.DecodeBody(r.Body, maxBodySize, &req); err != nil {
		toError(w, err)
		return
	}
	handle, err := h.post(req)
	if err != nil {
		toError(w, err)
		return
	}

	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	value, err := handle.Await(ctx)
	if err != nil {
		if ctx.Err() != nil { // 超时或客户端断开，终止任务并重建 worker
			handle.Terminate()
		}
		toError(w, err)
		return
	}
	if handle.State() == internal.TaskPersistent { // http 请求之后不会再有方法调用，常驻任务直接退出
		handle.Exit()
	}
	toSuccess(w, value)
}

func (h *Handler) post(req taskRequest) (*internal.TaskHandle, error) {
	switch {
	case req.Code != "":
		return h.Pool.PostTask(req.Code, req.Params...), nil
	case req.Url != "":
		return h.Pool.PostTaskFromSource(req.Url, req.Params...), nil
	}
	return nil, errors.New("code or url is required")
}
