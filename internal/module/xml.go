package module

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

func init() {
	register("xml", func(worker Worker) interface{} {
		return func(content string) (*XmlNode, error) {
			d, err := htmlquery.Parse(strings.NewReader(content))
			return (*XmlNode)(d), err
		}
	})
}

type XmlNode html.Node

func (n *XmlNode) Find(expr string) ([]*XmlNode, error) {
	nodes, err := htmlquery.QueryAll((*html.Node)(n), strings.ToLower(expr)) // html 解析器会把标签名转为小写，xpath 表达式也需要小写
	if err != nil {
		return nil, err
	}
	result := make([]*XmlNode, 0, len(nodes))
	for _, d := range nodes {
		result = append(result, (*XmlNode)(d))
	}
	return result, nil
}

func (n *XmlNode) FindOne(expr string) (*XmlNode, error) {
	d, err := htmlquery.Query((*html.Node)(n), strings.ToLower(expr))
	if d == nil {
		return nil, err
	}
	return (*XmlNode)(d), err
}

func (n *XmlNode) GetAttr(name string) string {
	return htmlquery.SelectAttr((*html.Node)(n), name)
}

func (n *XmlNode) InnerText() string {
	return htmlquery.InnerText((*html.Node)(n))
}

func (n *XmlNode) ToString() string {
	return htmlquery.OutputHTML((*html.Node)(n), true)
}
