package module

import (
	"bytes"
	"text/template"
)

func init() {
	register("template", func(worker Worker) interface{} {
		return func(content string, input map[string]interface{}) (string, error) {
			t, err := template.New("task").Parse(content)
			if err != nil {
				return "", err
			}
			buf := new(bytes.Buffer)
			if err := t.Execute(buf, input); err != nil {
				return "", err
			}
			return buf.String(), nil
		}
	})
}
