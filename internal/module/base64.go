package module

import (
	"encoding/base64"

	"taskpool/internal/builtin"
)

func init() {
	register("base64", func(worker Worker) interface{} {
		return &Base64Client{}
	})
}

type Base64Client struct{}

func (b *Base64Client) Encode(input []byte) string { // 入参可接受 string 或 Uint8Array 类型
	return base64.StdEncoding.EncodeToString(input)
}

func (b *Base64Client) Decode(input string) (builtin.Buffer, error) {
	return base64.StdEncoding.DecodeString(input)
}

func (b *Base64Client) EncodeUrl(input []byte) string {
	return base64.RawURLEncoding.EncodeToString(input)
}

func (b *Base64Client) DecodeUrl(input string) (builtin.Buffer, error) {
	return base64.RawURLEncoding.DecodeString(input)
}
