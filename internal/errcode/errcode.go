package errcode

// 错误码约定：
// - 0：无错误
// - 4xxx：业务可恢复/校验类错误（调用方可感知并自行处理）
// - 5xxx：系统错误（需要中断流程）
const (
	OK                   = 0
	QuotaExceeded        = 4001
	DuplicateApplication = 4002
	PaidPlanRequired     = 4003
	ResourceMissing      = 4004
	ScoringFailed        = 4005
	SystemError          = 5000
)
