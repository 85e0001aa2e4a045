package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"taskpool/internal"
	"taskpool/internal/model"
	"taskpool/internal/util"
)

var (
	sourceNamePattern  = regexp.MustCompile(`^\w{2,32}$`)
	sourceOrderPattern = regexp.MustCompile(`^(rowid|name|last_modified_date) (asc|desc)$`)
)

// sourcePatch 是 PUT 请求体，缺省的字段保持不变
type sourcePatch struct {
	Name    string  `json:"name"`
	Content *string `json:"content"`
	Active  *bool   `json:"active"`
	Cron    *string `json:"cron"`
}

func (h *Handler) HandleSource(w http.ResponseWriter, r *http.Request) {
	var (
		data interface{}
		err  error
	)
	_, bulk := r.URL.Query()["bulk"]
	switch {
	case r.Method == http.MethodGet && bulk:
		if err = h.exportSources(w, r); err == nil {
			return
		}
	case r.Method == http.MethodGet:
		data, err = h.listSources(r)
	case r.Method == http.MethodPost && bulk:
		err = h.importSources(r)
	case r.Method == http.MethodPost:
		err = h.createSource(r)
	case r.Method == http.MethodPut:
		err = h.updateSource(r)
	case r.Method == http.MethodDelete:
		err = h.deleteSource(r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		toError(w, err)
		return
	}
	toSuccess(w, data)
}

func validateCron(spec string) error {
	if spec == "" || spec == model.Daemon {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.New("cron must be empty, @daemon or a valid cron expression: " + err.Error())
	}
	return nil
}

// validateSource 校验名称和 cron 并编译源码，无法编译的源码不会被保存
func validateSource(s *model.Source) error {
	if !sourceNamePattern.MatchString(s.Name) {
		return fmt.Errorf("invalid source name %q, it must match /[A-Za-z0-9_]{2,32}/", s.Name)
	}
	if err := validateCron(s.Cron); err != nil {
		return err
	}
	return internal.CheckSource(s.Content)
}

// reload 让定时任务和常驻任务使用最新的 source
func (h *Handler) reload(name string) error {
	if h.Scheduler == nil {
		return nil
	}
	return h.Scheduler.Reload(name)
}

func (h *Handler) createSource(r *http.Request) error {
	var source model.Source
	if err := util.DecodeBody(r.Body, maxBodySize, &source); err != nil {
		return err
	}
	if err := validateSource(&source); err != nil {
		return err
	}
	if source.Active { // 创建后需要单独激活
		return errors.New("active must be false")
	}

	res, err := h.Db.Exec("insert into source (name, content, active, cron, last_modified_date) values (?, ?, false, ?, datetime('now', 'localtime')) on conflict(name) do nothing",
		source.Name, source.Content, source.Cron)
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return errors.New("source already existed")
	}
	return nil
}

// importSources 在一个事务中新增或覆盖多个 source，之后重新加载全部调度
func (h *Handler) importSources(r *http.Request) error {
	var sources []model.Source
	if err := util.DecodeBody(r.Body, maxBodySize, &sources); err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("nothing added or modified")
	}
	for i := range sources {
		if err := validateSource(&sources[i]); err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
	}

	tx, err := h.Db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`insert into source (name, content, active, cron, last_modified_date) values (?, ?, ?, ?, datetime('now', 'localtime'))
		on conflict(name) do update set content = excluded.content, active = excluded.active, cron = excluded.cron, last_modified_date = excluded.last_modified_date`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range sources {
		if _, err = stmt.Exec(s.Name, s.Content, s.Active, s.Cron); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return h.reload("")
}

func (h *Handler) updateSource(r *http.Request) error {
	var patch sourcePatch
	if err := util.DecodeBody(r.Body, maxBodySize, &patch); err != nil {
		return err
	}
	if patch.Name == "" {
		return errors.New("name is required")
	}

	sets, params := "last_modified_date = datetime('now', 'localtime')", []interface{}{}
	if patch.Content != nil {
		if err := internal.CheckSource(*patch.Content); err != nil {
			return err
		}
		sets += ", content = ?"
		params = append(params, *patch.Content)
	}
	if patch.Active != nil {
		sets += ", active = ?"
		params = append(params, *patch.Active)
	}
	if patch.Cron != nil {
		if err := validateCron(*patch.Cron); err != nil {
			return err
		}
		sets += ", cron = ?"
		params = append(params, *patch.Cron)
	}

	res, err := h.Db.Exec("update source set "+sets+" where name = ?", append(params, patch.Name)...)
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return errors.New("source does not existed")
	}
	// 内容变化后常驻任务也需要重启
	return h.reload(patch.Name)
}

func (h *Handler) deleteSource(r *http.Request) error {
	name := r.URL.Query().Get("name")
	if name == "" {
		return errors.New("name is required")
	}

	res, err := h.Db.Exec("delete from source where name = ?", name)
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return errors.New("source does not existed")
	}
	if h.Scheduler != nil {
		h.Scheduler.Remove(name)
	}
	return nil
}

type sourcePage struct {
	Sources []model.Source `json:"sources"`
	Total   int            `json:"total"`
}

// listSources 分页查询，name 支持 like 通配符，basic 表示不返回源码
func (h *Handler) listSources(r *http.Request) (*sourcePage, error) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		name = "%"
	}
	order := "rowid desc"
	if sourceOrderPattern.MatchString(q.Get("sort")) {
		order = q.Get("sort")
	}
	_, basic := q["basic"]
	page := util.ParsePage(q, 10, 1000)

	data := &sourcePage{}
	if err := h.Db.QueryRow("select count(1) from source where name like ?", name).Scan(&data.Total); err != nil { // 调用 QueryRow 方法后，须调用 Scan 方法，否则连接将不会被释放
		return nil, err
	}
	sources, err := h.querySources(name, order, page, basic)
	if err != nil {
		return nil, err
	}

	var daemons map[string]string
	if h.Scheduler != nil {
		daemons = h.Scheduler.Daemons()
	}
	for i := range sources {
		if sources[i].Cron != model.Daemon {
			continue
		}
		if state, ok := daemons[sources[i].Name]; ok {
			sources[i].State = state
		} else {
			sources[i].State = "stopped"
		}
	}
	data.Sources = sources
	return data, nil
}

// exportSources 把匹配的 source 全部导出为 json 文件，可直接用于 POST ?bulk 导入
func (h *Handler) exportSources(w http.ResponseWriter, r *http.Request) error {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "%"
	}
	sources, err := h.querySources(name, "name asc", util.Page{Size: -1}, false)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment;filename=\"sources-"+strconv.FormatInt(time.Now().UnixMilli(), 10)+".json\"")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(sources)
}

// querySources 中 page.Size 为负数时不限制条数
func (h *Handler) querySources(name string, order string, page util.Page, basic bool) ([]model.Source, error) {
	content := "content"
	if basic {
		content = "'' content"
	}
	rows, err := h.Db.Query("select name, "+content+", active, cron, last_modified_date from source where name like ? order by "+order+" limit ? offset ?",
		name, page.Size, page.From)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make([]model.Source, 0)
	for rows.Next() {
		var s model.Source
		if err := rows.Scan(&s.Name, &s.Content, &s.Active, &s.Cron, &s.LastModifiedDate); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}
