package util

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportValue(t *testing.T) {
	vm := goja.New()

	v, err := vm.RunString(`new Uint8Array([1, 2, 3]).buffer`)
	require.NoError(t, err)
	b, err := ExportValue(v)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	v, _ = vm.RunString(`Promise.resolve(42)`)
	n, err := ExportValue(v)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	v, _ = vm.RunString(`Promise.reject("boom")`)
	_, err = ExportValue(v)
	assert.EqualError(t, err, "boom")

	n, err = ExportValue(goja.Undefined())
	assert.NoError(t, err)
	assert.Nil(t, n)
}

func TestExportMapValue(t *testing.T) {
	obj := map[string]interface{}{"name": "a", "count": float64(3), "ratio": 1.5}

	v, ok := ExportMapValue(obj, "name", "string")
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = ExportMapValue(obj, "count", "int")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = ExportMapValue(obj, "ratio", "int")
	assert.False(t, ok)

	_, ok = ExportMapValue(nil, "name", "string")
	assert.False(t, ok)

	// goja 导出的对象中整数为 int64
	exported := map[string]interface{}{"size": int64(12), "ratio": 0.5}
	v, ok = ExportMapValue(exported, "size", "int")
	assert.True(t, ok)
	assert.Equal(t, 12, v)
	v, ok = ExportMapValue(exported, "size", "float")
	assert.True(t, ok)
	assert.Equal(t, 12.0, v)
	v, ok = ExportMapValue(exported, "ratio", "float")
	assert.True(t, ok)
	assert.Equal(t, 0.5, v)
}

func TestParsePage(t *testing.T) {
	assert.Equal(t, Page{From: 20, Size: 10}, ParsePage(url.Values{"from": {"20"}, "size": {"x"}}, 10, 100))
	assert.Equal(t, Page{From: 0, Size: 100}, ParsePage(url.Values{"from": {"-1"}, "size": {"1000"}}, 10, 100))
	assert.Equal(t, Page{From: 0, Size: 10}, ParsePage(url.Values{"size": {"0"}}, 10, 100))
}

func TestDecodeBody(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, DecodeBody(strings.NewReader(`{"a": 1}`), 16, &v))
	assert.Equal(t, float64(1), v["a"])

	assert.EqualError(t, DecodeBody(strings.NewReader(`{"a": "0123456789abcdef"}`), 16, &v), "request body exceeds 16 bytes")
	assert.Error(t, DecodeBody(strings.NewReader(""), 16, &v))
}

func TestDigestAuth(t *testing.T) {
	_, err := NewDigestAuth("realm", "nocolon")
	assert.Error(t, err)

	a, err := NewDigestAuth("realm", "admin:secret")
	require.NoError(t, err)

	challenge := a.Challenge()
	require.True(t, strings.HasPrefix(challenge, "Digest "))
	nonce := parseDigest(strings.TrimPrefix(challenge, "Digest "))["nonce"]
	require.Len(t, nonce, 32)

	sum := func(s string) string {
		h := md5.Sum([]byte(s))
		return hex.EncodeToString(h[:])
	}
	header := func(nonce string, nc string, password string) string {
		h1 := sum("admin:realm:" + password)
		h2 := sum("GET:/source?size=5")
		response := sum(h1 + ":" + nonce + ":" + nc + ":c1:auth:" + h2)
		return `Digest username="admin", realm="realm", nonce="` + nonce + `", uri="/source?size=5", qop=auth, nc=` + nc + `, cnonce="c1", response="` + response + `"`
	}

	assert.True(t, a.Verify(header(nonce, "00000001", "secret"), "GET", "/source?size=5"))
	assert.False(t, a.Verify(header(nonce, "00000001", "secret"), "GET", "/source?size=5"), "replayed nc")
	assert.True(t, a.Verify(header(nonce, "00000002", "secret"), "GET", "/source?size=5"))
	assert.False(t, a.Verify(header(nonce, "00000003", "wrong"), "GET", "/source?size=5"))
	assert.False(t, a.Verify(header("unknown", "00000001", "secret"), "GET", "/source?size=5"))
	assert.False(t, a.Verify(header(nonce, "00000004", "secret"), "GET", "/task"))
	assert.False(t, a.Verify("Basic YWRtaW46c2VjcmV0", "GET", "/source?size=5"))

	assert.Len(t, Random(16), 16)
}
