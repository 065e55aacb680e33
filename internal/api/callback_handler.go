package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"talentgate/internal/api/middleware"
	"talentgate/internal/reconcile"
)

// CallbackHandler 接收 AI 打分服务的回调并交给 reconciler 落库。
type CallbackHandler struct {
	reconciler *reconcile.Reconciler
}

func NewCallbackHandler(reconciler *reconcile.Reconciler) *CallbackHandler {
	return &CallbackHandler{reconciler: reconciler}
}

// HandleAICallback 处理打分回调。回调方只认 HTTP 状态码：
// 404 表示任务不存在（不重试），5xx 会触发回调方重试。
func (h *CallbackHandler) HandleAICallback(c *gin.Context) {
	var cb reconcile.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		BadRequest(c, "invalid callback payload")
		return
	}
	if cb.QueueJobID == "" {
		BadRequest(c, "queueJobId is required")
		return
	}

	log := middleware.LoggerFromContext(c).With(slog.String("queue_job_id", cb.QueueJobID))

	outcome, err := h.reconciler.Apply(c.Request.Context(), cb)
	switch {
	case errors.Is(err, reconcile.ErrUnknownQueueJob):
		NotFound(c, "unknown queue job")
		return
	case errors.Is(err, reconcile.ErrInvalidScorePayload):
		// 载荷缺分数但任务已按失败落库，返回 400 让回调方修数据而不是重试。
		BadRequest(c, "score payload missing required fields")
		return
	case err != nil:
		log.Error("apply ai callback", slog.Any("error", err))
		Internal(c, "failed to apply callback")
		return
	}

	log.Info("ai callback applied",
		slog.Uint64("application_id", uint64(outcome.Application.ID)),
		slog.String("status", string(outcome.Application.Status)),
		slog.Bool("already_applied", outcome.AlreadyApplied),
	)

	c.JSON(http.StatusOK, gin.H{
		"status":          string(outcome.Application.Status),
		"already_applied": outcome.AlreadyApplied,
	})
}
