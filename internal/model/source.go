package model

type Source struct {
	Name             string `json:"name"`
	Content          string `json:"content"`
	Active           bool   `json:"active"`
	Cron             string `json:"cron"` // 非空且 active 时按 cron 表达式定时投递到线程池，@daemon 表示常驻任务
	LastModifiedDate string `json:"lastModifiedDate"`
	State            string `json:"state,omitempty"` // 常驻任务的运行状态，只在查询时返回
}

const Daemon = "@daemon"
