package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher 承载请求路径之外的后台动作：队列投递、通知发布、补偿删除。
// 语义是显式的 at-most-once：提交不阻塞调用方，失败只记日志；
// 已提交的动作由后台协程消费，不是随手丢出去的裸 goroutine。
type Dispatcher struct {
	ch      chan dispatchJob
	logger  *slog.Logger
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

type dispatchJob struct {
	kind string
	fn   func(ctx context.Context) error
}

// NewDispatcher 启动后台消费协程。buffer 满时 Submit 直接丢弃并记日志。
func NewDispatcher(buffer int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		ch:      make(chan dispatchJob, buffer),
		logger:  logger,
		timeout: timeout,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit 投递一个后台动作；队列已满或已关闭时返回 false 并记日志。
func (d *Dispatcher) Submit(kind string, fn func(ctx context.Context) error) bool {
	select {
	case <-d.done:
		d.logger.Warn("dispatcher closed, dropping job", slog.String("kind", kind))
		return false
	default:
	}

	select {
	case d.ch <- dispatchJob{kind: kind, fn: fn}:
		return true
	default:
		d.logger.Warn("dispatcher buffer full, dropping job", slog.String("kind", kind))
		return false
	}
}

// Close 停止接收新动作，执行完已入队动作后返回。
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	<-d.drained
}

func (d *Dispatcher) run() {
	defer close(d.drained)
	for {
		select {
		case job := <-d.ch:
			d.exec(job)
		case <-d.done:
			for {
				select {
				case job := <-d.ch:
					d.exec(job)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) exec(job dispatchJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := job.fn(ctx); err != nil {
		d.logger.Error("background job failed",
			slog.String("kind", job.kind),
			slog.Any("error", err),
		)
	}
}
