package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAesEcbCipher(t *testing.T) {
	cipher, err := (&CryptoClient{}).CreateCipher("aes-ecb", []byte("1234567890123456"), map[string]interface{}{
		"padding": "pkcs5",
	})
	require.NoError(t, err)

	a, err := cipher.Encrypt([]byte("hello, world"))
	require.NoError(t, err)
	h, _ := a.ToString("hex")
	assert.Equal(t, "5b53492af7f959b7d22054b1287b8bf7", h)

	b, err := cipher.Decrypt(a)
	require.NoError(t, err)
	s, _ := b.ToString("")
	assert.Equal(t, "hello, world", s)
}

func TestAesCbcCipher(t *testing.T) {
	cipher, err := (&CryptoClient{}).CreateCipher("aes-cbc", []byte("1234567890123456"), map[string]interface{}{
		"iv": "abcdefghijklmnop",
	})
	require.NoError(t, err)

	a, err := cipher.Encrypt([]byte("hello, world"))
	require.NoError(t, err)
	h, _ := a.ToString("hex")
	assert.Equal(t, "00e70e7a1f5ca978a7cda7c8f22ffadb", h)

	b, err := cipher.Decrypt(a)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(b))

	_, err = (&CryptoClient{}).CreateCipher("aes-cbc", []byte("1234567890123456"), nil)
	assert.Error(t, err)
}

func TestAesGcmCipher(t *testing.T) {
	cipher, err := (&CryptoClient{}).CreateCipher("aes-gcm", []byte("1234567890123456"), map[string]interface{}{
		"nonce": "123456789012",
	})
	require.NoError(t, err)

	a, err := cipher.Encrypt([]byte("hello, world"))
	require.NoError(t, err)
	b, err := cipher.Decrypt(a)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(b))
}

func TestHash(t *testing.T) {
	hash, err := (&CryptoClient{}).CreateHash("sha256")
	require.NoError(t, err)
	sum := hash.Sum([]byte("hello, world"))
	h, _ := sum.ToString("hex")
	assert.Equal(t, "09ca7e4eaa6e8ae9c7d261167129184883644d07dfba7cbfbc4c8a2e08360d5b", h)

	hash, _ = (&CryptoClient{}).CreateHash("MD5")
	sum = hash.Sum([]byte("hello, world"))
	h, _ = sum.ToString("hex")
	assert.Equal(t, "e4d7f1b4ed2e42d15898f4b27b019da4", h)

	_, err = (&CryptoClient{}).CreateHash("sha3")
	assert.Error(t, err)
}

func TestHmac(t *testing.T) {
	hmac, err := (&CryptoClient{}).CreateHmac("sha256")
	require.NoError(t, err)
	sum := hmac.Sum([]byte("hello, world"), []byte("key"))
	h, _ := sum.ToString("hex")
	assert.Equal(t, "05f54fa636be6f66761a26fcb19eabf339c934798b65bce8b31027d91078264c", h)
}

func BenchmarkHash(b *testing.B) {
	hash, _ := (&CryptoClient{}).CreateHash("sha256")

	for n := 0; n < b.N; n++ { // b.N 从 1 开始，如果用例能够在 1 秒内完成，b.N 的值则会增加并再次执行
		hash.Sum([]byte("hello, world"))
	}
}
