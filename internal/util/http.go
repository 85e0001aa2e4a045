package util

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Page 是列表接口的分页参数
type Page struct {
	From int
	Size int
}

// ParsePage 读取 from 和 size 参数，size 限制在 [1, maxSize] 之间
func ParsePage(q url.Values, defaultSize int, maxSize int) Page {
	p := Page{From: QueryInt(q, "from", 0), Size: QueryInt(q, "size", defaultSize)}
	if p.From < 0 {
		p.From = 0
	}
	if p.Size < 1 {
		p.Size = defaultSize
	}
	if p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

func QueryInt(q url.Values, key string, defaultValue int) int {
	if !q.Has(key) {
		return defaultValue
	}
	if value, err := strconv.Atoi(q.Get(key)); err == nil {
		return value
	}
	return defaultValue
}

// DecodeBody 解码 json 请求体，超过 limit 字节时返回错误
func DecodeBody(r io.Reader, limit int64, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return fmt.Errorf("request body exceeds %d bytes", limit)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	return json.Unmarshal(data, v)
}

//#region 摘要认证

var digestParam = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|([^\s,]*))`)

// DigestAuth 实现 qop=auth 的 MD5 摘要认证；nonce 只能由 Challenge 签发，每个 nonce 的 nc 必须递增，用于拒绝重放的请求
type DigestAuth struct {
	Realm    string
	username string
	password string

	mu     sync.Mutex
	nonces *lru.Cache[string, uint64] // nonce -> 已使用的最大 nc
}

func NewDigestAuth(realm string, userpass string) (*DigestAuth, error) {
	username, password, ok := strings.Cut(userpass, ":")
	if !ok || username == "" {
		return nil, errors.New("authorization must be in the form <username:password>")
	}
	nonces, err := lru.New[string, uint64](1024)
	if err != nil {
		return nil, err
	}
	return &DigestAuth{Realm: realm, username: username, password: password, nonces: nonces}, nil
}

// Challenge 签发新的 nonce，返回 WWW-Authenticate 响应头的值
func (a *DigestAuth) Challenge() string {
	nonce := Random(32)
	a.nonces.Add(nonce, 0)
	return fmt.Sprintf(`Digest realm="%s", nonce="%s", opaque="%s", qop="auth", algorithm=MD5`, a.Realm, nonce, Random(16))
}

// Verify 校验 Authorization 请求头，uri 为请求行中的原始 URI
func (a *DigestAuth) Verify(header string, method string, uri string) bool {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return false
	}
	p := parseDigest(rest)
	if p["username"] != a.username || p["realm"] != a.Realm || p["qop"] != "auth" || p["uri"] != uri {
		return false
	}
	nc, err := strconv.ParseUint(p["nc"], 16, 64)
	if err != nil {
		return false
	}

	h1 := md5Hex(a.username + ":" + a.Realm + ":" + a.password)
	h2 := md5Hex(method + ":" + uri)
	expected := md5Hex(h1 + ":" + p["nonce"] + ":" + p["nc"] + ":" + p["cnonce"] + ":auth:" + h2)
	if subtle.ConstantTimeCompare([]byte(p["response"]), []byte(expected)) != 1 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.nonces.Get(p["nonce"])
	if !ok || nc <= last {
		return false
	}
	a.nonces.Add(p["nonce"], nc)
	return true
}

func parseDigest(input string) map[string]string {
	params := make(map[string]string)
	for _, match := range digestParam.FindAllStringSubmatch(input, -1) {
		if match[2] != "" {
			params[match[1]] = match[2]
		} else {
			params[match[1]] = match[3]
		}
	}
	return params
}

func md5Hex(input string) string {
	h := md5.Sum([]byte(input))
	return hex.EncodeToString(h[:])
}

//#endregion

// Random 返回 size 个十六进制字符
func Random(size int) string {
	b := make([]byte, size/2+1)
	rand.Read(b)
	return hex.EncodeToString(b)[:size]
}
