package ingest

import (
	"fmt"
	"sync"
)

// hashLock 按 (租户, 内容哈希) 串行化摄取临界区。
// 同一批次里出现重复文件是常态：若放任相同内容并发走去重判定，
// 判定窗口内彼此都看不到对方的写入，会产生多条活跃简历并重复扣配额。
// 锁条目按引用计数懒创建、用完即删，不随哈希数量无限增长。
type hashLock struct {
	mu      sync.Mutex
	entries map[string]*hashLockEntry
}

type hashLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newHashLock() *hashLock {
	return &hashLock{entries: make(map[string]*hashLockEntry)}
}

// lock 取得 (companyID, fileHash) 的互斥锁，返回释放函数。
func (l *hashLock) lock(companyID uint, fileHash string) func() {
	key := fmt.Sprintf("%d:%s", companyID, fileHash)

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &hashLockEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mu.Unlock()
	}
}
