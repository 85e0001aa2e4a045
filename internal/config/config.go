package config

import (
	"errors"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Count            int           `toml:"count"` // worker 数量
	Port             string        `toml:"port"`
	Secure           bool          `toml:"secure"`
	Http3            bool          `toml:"http3"`
	ServerKey        string        `toml:"server_key"`
	ServerCert       string        `toml:"server_cert"`
	ClientCertVerify bool          `toml:"client_cert_verify"`
	Authorization    string        `toml:"authorization"` // <username:password>，用于 /source 接口的摘要认证
	DbPath           string        `toml:"db"`
	LogPath          string        `toml:"log"`
	ProgramCacheSize int           `toml:"program_cache_size"`
	TaskTimeout      time.Duration `toml:"task_timeout"`
	Monitor          bool          `toml:"monitor"`
}

func Default() *Config {
	return &Config{
		Count:            1,
		Port:             "8090",
		ServerKey:        "server.key",
		ServerCert:       "server.crt",
		DbPath:           "./taskpool.db",
		LogPath:          "./taskpool.log",
		ProgramCacheSize: 64,
		TaskTimeout:      60 * time.Second,
	}
}

// Load 依次读取 .env、-f 指定的 toml 文件和命令行参数，后者覆盖前者
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	c := Default()
	if v := os.Getenv("TASKPOOL_CONFIG"); v != "" {
		if _, err := toml.DecodeFile(v, c); err != nil {
			return nil, err
		}
	}

	// 配置文件中的值需要在解析其它命令行参数之前写入
	if file := fileArg(args); file != "" {
		if _, err := toml.DecodeFile(file, c); err != nil {
			return nil, err
		}
	}

	fs := flag.NewFlagSet("taskpool", flag.ContinueOnError)
	fs.String("f", "", "TOML config file.")
	fs.IntVar(&c.Count, "n", c.Count, "Count of workers.")
	fs.StringVar(&c.Port, "p", c.Port, "Port to listen.")
	fs.BoolVar(&c.Secure, "s", c.Secure, "Enable https.")
	fs.BoolVar(&c.Http3, "3", c.Http3, "Enable http3.")
	fs.StringVar(&c.ServerKey, "k", c.ServerKey, "SSL key file.")
	fs.StringVar(&c.ServerCert, "c", c.ServerCert, "SSL cert file.")
	fs.BoolVar(&c.ClientCertVerify, "v", c.ClientCertVerify, "Enable client cert verification.")
	fs.StringVar(&c.Authorization, "a", envOr("TASKPOOL_AUTHORIZATION", c.Authorization), "<username:password> for source authorization verification.")
	fs.StringVar(&c.DbPath, "d", envOr("TASKPOOL_DB", c.DbPath), "Sqlite database file.")
	fs.StringVar(&c.LogPath, "l", envOr("TASKPOOL_LOG", c.LogPath), "Log file.")
	fs.DurationVar(&c.TaskTimeout, "t", c.TaskTimeout, "Timeout of tasks posted through http.")
	fs.BoolVar(&c.Monitor, "m", c.Monitor, "Print cpu, memory and worker usage to the console.")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.Count < 0 {
		return nil, errors.New("count of workers must not be negative")
	}
	return c, nil
}

func envOr(key string, value string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return value
}

func fileArg(args []string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if name == arg || arg == "--" {
			continue
		}
		if name == "f" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(name, "f=") {
			return name[2:]
		}
	}
	return ""
}
