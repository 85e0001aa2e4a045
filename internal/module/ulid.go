package module

import (
	"crypto/rand"
	"sync"
	"time"
)

func init() {
	register("ulid", func(worker Worker) interface{} {
		return NewULID
	})
}

const ulidAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ" // Crockford base32

// 所有 worker 共用同一个生成器，同一毫秒内生成的 ULID 在随机部分上递增，保证单调
var ulidState struct {
	sync.Mutex
	timestamp int64
	entropy   [10]byte
}

func NewULID() string {
	return newULID(time.Now())
}

func newULID(now time.Time) string {
	timestamp := now.UnixMilli()

	ulidState.Lock()
	if timestamp <= ulidState.timestamp {
		timestamp = ulidState.timestamp
		for i := len(ulidState.entropy) - 1; i >= 0; i-- { // 随机部分加一
			ulidState.entropy[i]++
			if ulidState.entropy[i] != 0 {
				break
			}
		}
	} else {
		ulidState.timestamp = timestamp
		rand.Read(ulidState.entropy[:])
	}
	entropy := ulidState.entropy
	ulidState.Unlock()

	var buf [26]byte
	for i := 9; i >= 0; i-- { // 前 10 个字符为 48 位时间戳
		buf[i] = ulidAlphabet[timestamp&0x1f]
		timestamp >>= 5
	}

	// 后 16 个字符为 80 位随机数，每 5 个字节编码为 8 个字符
	for g := 0; g < 2; g++ {
		var n uint64
		for _, b := range entropy[g*5 : g*5+5] {
			n = n<<8 | uint64(b)
		}
		for i := 7; i >= 0; i-- {
			buf[10+g*8+i] = ulidAlphabet[n&0x1f]
			n >>= 5
		}
	}

	return string(buf[:])
}
