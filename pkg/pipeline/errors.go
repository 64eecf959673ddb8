package pipeline

import "github.com/jguan/hookflow/pkg/fault"

const domain = "pipeline"

// Pipeline domain errors
var (
	ErrPipelineNotFound = fault.NewDomain(domain, fault.ErrCodeNotFound, "pipeline not found")
	ErrStepFailed       = fault.NewDomain(domain, fault.ErrCodeExecutionFailure, "pipeline step failed")
	ErrRecorderNotSet   = fault.NewDomain(domain, fault.ErrCodeInternal, "recorder not set")
	ErrExecutorNotSet   = fault.NewDomain(domain, fault.ErrCodeInternal, "step executor not set")
)
