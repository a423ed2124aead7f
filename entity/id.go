package entity

import (
	crand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"strings"
	"time"
)

// -------------------- ID 生成 --------------------

// NewID 生成 64 bit 的随机 entity id（16 位 hex）
func NewID() string {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		binary.BigEndian.PutUint64(b[:], mrand.Uint64())
	}
	return hex.EncodeToString(b[:])
}

// NewTraceID 生成 1-<8 位 hex 秒级时间戳>-<96 bit 随机数>
func NewTraceID(now time.Time) string {
	var b [12]byte
	if _, err := crand.Read(b[:]); err != nil {
		binary.BigEndian.PutUint64(b[:8], mrand.Uint64())
		binary.BigEndian.PutUint32(b[8:], mrand.Uint32())
	}
	return fmt.Sprintf("1-%08x-%s", uint32(now.Unix()), hex.EncodeToString(b[:]))
}

// ValidTraceID 只做格式检查，不校验时间戳是否合理
func ValidTraceID(id string) bool {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != "1" || len(parts[1]) != 8 || len(parts[2]) != 24 {
		return false
	}
	return isHex(parts[1]) && isHex(parts[2])
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
