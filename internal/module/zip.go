package module

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/dop251/goja"

	"taskpool/internal/builtin"
)

func init() {
	register("zip", func(worker Worker) interface{} {
		return &ZipClient{}
	})
}

type ZipClient struct{}

// Write 打包内存中的文件，value 为字符串或字节数组，文件按名称排序写入
func (z *ZipClient) Write(files map[string]interface{}) (builtin.Buffer, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, name := range names {
		var data []byte
		switch v := files[name].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		case builtin.Buffer:
			data = v
		case *builtin.Buffer:
			data = *v
		case goja.ArrayBuffer:
			data = v.Bytes()
		default:
			return nil, fmt.Errorf("unsupported type %T of file %s", v, name)
		}
		f, err := w.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err = f.Write(data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil { // 必须在 buf.Bytes() 前关闭，否则数据不完整
		return nil, err
	}
	return buf.Bytes(), nil
}

func (z *ZipClient) Read(data []byte) (map[string]builtin.Buffer, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	files := make(map[string]builtin.Buffer, len(r.File))
	for _, f := range r.File {
		fd, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(fd)
		fd.Close()
		if err != nil {
			return nil, err
		}
		files[f.Name] = content
	}
	return files, nil
}
