package module

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	_ "crypto/md5"
	"crypto/rand"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"strings"

	"taskpool/internal/builtin"
)

func init() {
	register("crypto", func(worker Worker) interface{} {
		return &CryptoClient{}
	})
}

type CryptoClient struct{}

func GetHash(algorithm string) (crypto.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return crypto.MD5, nil
	case "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, errors.New("hash algorithm " + algorithm + " is not supported")
}

func (c *CryptoClient) CreateHash(algorithm string) (*CryptoHashClient, error) {
	hash, err := GetHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &CryptoHashClient{hash}, nil
}

func (c *CryptoClient) CreateHmac(algorithm string) (*CryptoHmacClient, error) {
	hash, err := GetHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &CryptoHmacClient{hash}, nil
}

func (c *CryptoClient) RandomBytes(n int) (builtin.Buffer, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

type CryptoHashClient struct {
	hash crypto.Hash
}

func (c *CryptoHashClient) Sum(input []byte) builtin.Buffer {
	h := c.hash.New()
	h.Write(input)
	return h.Sum(nil)
}

type CryptoHmacClient struct {
	hash crypto.Hash
}

func (c *CryptoHmacClient) Sum(input []byte, key []byte) builtin.Buffer {
	h := hmac.New(c.hash.New, key)
	h.Write(input)
	return h.Sum(nil)
}

//#region 对称加密

// CreateCipher 支持 aes-ecb、aes-cbc（pkcs5 填充，options.iv 指定初始向量）和 aes-gcm（options.nonce）
func (c *CryptoClient) CreateCipher(algorithm string, key []byte, options map[string]interface{}) (*CryptoCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cc := &CryptoCipher{mode: strings.ToLower(algorithm), block: block}
	if v, ok := options["padding"].(string); ok {
		cc.padding = strings.ToLower(v)
	}
	switch cc.mode {
	case "aes-ecb":
	case "aes-cbc":
		if cc.iv = optionBytes(options, "iv"); len(cc.iv) != block.BlockSize() {
			return nil, errors.New("iv length must equal the block size")
		}
	case "aes-gcm":
		if cc.gcm, err = cipher.NewGCM(block); err != nil {
			return nil, err
		}
		if cc.iv = optionBytes(options, "nonce"); len(cc.iv) != cc.gcm.NonceSize() {
			return nil, errors.New("invalid nonce length")
		}
	default:
		return nil, errors.New("cipher algorithm " + algorithm + " is not supported")
	}
	return cc, nil
}

func optionBytes(options map[string]interface{}, name string) []byte {
	switch v := options[name].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	case builtin.Buffer:
		return v
	case *builtin.Buffer:
		return *v
	}
	return nil
}

type CryptoCipher struct {
	mode    string
	padding string
	block   cipher.Block
	gcm     cipher.AEAD
	iv      []byte
}

func (c *CryptoCipher) Encrypt(input []byte) (builtin.Buffer, error) {
	if c.mode == "aes-gcm" {
		return c.gcm.Seal(nil, c.iv, input, nil), nil
	}
	size := c.block.BlockSize()
	data := append([]byte(nil), input...)
	if c.padding != "none" {
		n := size - len(data)%size // pkcs5 填充
		data = append(data, bytes.Repeat([]byte{byte(n)}, n)...)
	}
	if len(data)%size != 0 {
		return nil, errors.New("input is not a multiple of the block size")
	}
	out := make([]byte, len(data))
	if c.mode == "aes-cbc" {
		cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, data)
		return out, nil
	}
	for i := 0; i < len(data); i += size {
		c.block.Encrypt(out[i:i+size], data[i:i+size])
	}
	return out, nil
}

func (c *CryptoCipher) Decrypt(input []byte) (builtin.Buffer, error) {
	if c.mode == "aes-gcm" {
		return c.gcm.Open(nil, c.iv, input, nil)
	}
	size := c.block.BlockSize()
	if len(input) == 0 || len(input)%size != 0 {
		return nil, errors.New("input is not a multiple of the block size")
	}
	out := make([]byte, len(input))
	if c.mode == "aes-cbc" {
		cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, input)
	} else {
		for i := 0; i < len(input); i += size {
			c.block.Decrypt(out[i:i+size], input[i:i+size])
		}
	}
	if c.padding == "none" {
		return out, nil
	}
	n := int(out[len(out)-1])
	if n == 0 || n > size {
		return nil, errors.New("invalid padding")
	}
	return out[:len(out)-n], nil
}

//#endregion
