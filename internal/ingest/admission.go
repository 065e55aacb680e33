package ingest

import (
	"context"
	"sync"
)

// AdmissionController 是按租户隔离的有界并发闸门。
// 每个租户各自持有 capacity 个槽位；批量上传的多余任务在 Acquire 上
// 排队等待而不是被拒绝。注册表按租户懒创建，由编排器的生命周期持有，
// 不是进程级单例，测试可以注入小容量实例。
type AdmissionController struct {
	mu       sync.Mutex
	capacity int
	tenants  map[uint]chan struct{}
}

// NewAdmissionController 创建容量为 capacity 的闸门。
func NewAdmissionController(capacity int) *AdmissionController {
	if capacity <= 0 {
		capacity = 1
	}
	return &AdmissionController{
		capacity: capacity,
		tenants:  make(map[uint]chan struct{}),
	}
}

// Acquire 为租户取得一个槽位，返回释放函数。
// 槽位满时阻塞直至有人释放或 ctx 结束；释放函数幂等，任何退出路径
// 都必须调用（成功、校验失败、panic 前的 defer）。
func (a *AdmissionController) Acquire(ctx context.Context, companyID uint) (func(), error) {
	sem := a.semFor(companyID)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-sem
		})
	}
	return release, nil
}

// InFlight 返回租户当前持有的槽位数，仅用于观测与测试。
func (a *AdmissionController) InFlight(companyID uint) int {
	return len(a.semFor(companyID))
}

func (a *AdmissionController) semFor(companyID uint) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	sem, ok := a.tenants[companyID]
	if !ok {
		sem = make(chan struct{}, a.capacity)
		a.tenants[companyID] = sem
	}
	return sem
}
