package database

// ResumeStatus 表示一份简历文档的解析/打分进度。
// 状态集合是封闭的：新增状态时必须同步检查所有 switch 分支。
type ResumeStatus string

const (
	ResumePending           ResumeStatus = "Pending"
	ResumeCompleted         ResumeStatus = "Completed"
	ResumeFailed            ResumeStatus = "Failed"
	ResumeTimeout           ResumeStatus = "Timeout"
	ResumeServerError       ResumeStatus = "ServerError"
	ResumeInvalidResumeData ResumeStatus = "InvalidResumeData"
	ResumeCorruptedFile     ResumeStatus = "CorruptedFile"
	ResumeDuplicate         ResumeStatus = "DuplicateResume"
)

// IsTerminalDefect 表示文档本身的缺陷，重试不会改变结果。
func (s ResumeStatus) IsTerminalDefect() bool {
	switch s {
	case ResumeInvalidResumeData, ResumeCorruptedFile, ResumeDuplicate:
		return true
	case ResumePending, ResumeCompleted, ResumeFailed, ResumeTimeout, ResumeServerError:
		return false
	}
	return false
}

// IsTransientFailure 表示基础设施类失败，重新解析可能成功。
func (s ResumeStatus) IsTransientFailure() bool {
	switch s {
	case ResumeFailed, ResumeTimeout, ResumeServerError:
		return true
	case ResumePending, ResumeCompleted, ResumeInvalidResumeData, ResumeCorruptedFile, ResumeDuplicate:
		return false
	}
	return false
}

// ApplicationStatus 表示一次投递的处理结果。
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "Pending"
	ApplicationReviewed ApplicationStatus = "Reviewed"
	ApplicationFailed   ApplicationStatus = "Failed"
)

// IsTerminal 表示该投递不会再被改写（分数调整除外）。
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case ApplicationReviewed, ApplicationFailed:
		return true
	case ApplicationPending:
		return false
	}
	return false
}

// ApplicationErrorType 区分投递失败的原因。
type ApplicationErrorType string

const (
	ErrorTypeNone               ApplicationErrorType = ""
	ErrorTypeTechnical          ApplicationErrorType = "TechnicalError"
	ErrorTypeInvalidJobData     ApplicationErrorType = "InvalidJobData"
	ErrorTypeJobTitleNotMatched ApplicationErrorType = "JobTitleNotMatched"
)

// IsJobSemantic 表示失败由岗位语义导致：同一文档投同一岗位必然复现，
// 因此可以直接克隆失败结果而无需重新解析。
func (t ApplicationErrorType) IsJobSemantic() bool {
	switch t {
	case ErrorTypeInvalidJobData, ErrorTypeJobTitleNotMatched:
		return true
	case ErrorTypeNone, ErrorTypeTechnical:
		return false
	}
	return false
}

// ProcessingMode 描述投递进入队列时要求外部 worker 执行的工作量。
type ProcessingMode string

const (
	ModeParse ProcessingMode = "Parse"
	ModeScore ProcessingMode = "Score"
	ModeClone ProcessingMode = "Clone"
)

// CampaignStatus 表示招聘活动的发布状态。
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "Draft"
	CampaignPublished CampaignStatus = "Published"
	CampaignClosed    CampaignStatus = "Closed"
)
