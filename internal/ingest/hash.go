package ingest

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash 计算文件内容的 SHA-256 十六进制摘要。
// 纯函数；必须在任何网络 I/O 之前算出，去重决策才不依赖上传时序。
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
