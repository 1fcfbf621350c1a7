package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Pair them with NewSubSystemError so ErrorCodeOf can
// resolve a subsystem-specific code.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
	ErrUnavailable      = fmt.Errorf("unavailable")
)

// Sentinel errors for the coordination layer.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")

	// Registry / routing.
	ErrAgentNotFound   = fmt.Errorf("agent not found")
	ErrNoEligibleAgent = fmt.Errorf("no eligible agent")

	// Consensus.
	ErrProposalNotFound = fmt.Errorf("proposal not found")
	ErrProposalClosed   = fmt.Errorf("proposal is no longer accepting votes")
	ErrNotEligibleVoter = fmt.Errorf("agent is not an eligible voter")
	ErrInvalidDecision  = fmt.Errorf("invalid vote decision")

	// Workflow.
	ErrWorkflowNotFound  = fmt.Errorf("workflow not found")
	ErrExecutionNotFound = fmt.Errorf("workflow execution not found")
	ErrExecutionTerminal = fmt.Errorf("workflow execution already finished")
	ErrTriggerInvalid    = fmt.Errorf("workflow trigger data invalid")

	// Coordination.
	ErrNoCoordination = fmt.Errorf("coordination not found")
	ErrUnknownQuery   = fmt.Errorf("unknown performance query type")

	// Gateway.
	ErrAuthInvalid   = fmt.Errorf("authentication failed")
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrCircuitOpen   = fmt.Errorf("circuit breaker open")
	ErrRouteNotFound = fmt.Errorf("route not found")
	ErrUpstream      = fmt.Errorf("upstream request failed")

	// RPC.
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")

	// Collaborators.
	ErrStoreUnavailable    = fmt.Errorf("store: %w", ErrUnavailable)
	ErrAnalysisUnavailable = fmt.Errorf("text analysis: %w", ErrUnavailable)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Consensus.Vote")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error. Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrUpstream)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeNoEligibleAgent    ErrorCode = "NO_ELIGIBLE_AGENT"
	CodeProposalNotFound   ErrorCode = "PROPOSAL_NOT_FOUND"
	CodeProposalClosed     ErrorCode = "PROPOSAL_CLOSED"
	CodeNotEligibleVoter   ErrorCode = "NOT_ELIGIBLE_VOTER"
	CodeInvalidDecision    ErrorCode = "INVALID_DECISION"
	CodeWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeExecutionNotFound  ErrorCode = "EXECUTION_NOT_FOUND"
	CodeExecutionTerminal  ErrorCode = "EXECUTION_TERMINAL"
	CodeTriggerInvalid     ErrorCode = "TRIGGER_INVALID"
	CodeNoCoordination     ErrorCode = "COORDINATION_NOT_FOUND"
	CodeUnknownQuery       ErrorCode = "UNKNOWN_QUERY"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRouteNotFound      ErrorCode = "ROUTE_NOT_FOUND"
	CodeUpstream           ErrorCode = "UPSTREAM"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	CodeAnalysisUnavail    ErrorCode = "ANALYSIS_UNAVAILABLE"
	CodeConsensusTimeout   ErrorCode = "CONSENSUS_TIMEOUT"
	CodeWorkflowTimeout    ErrorCode = "WORKFLOW_TIMEOUT"
	CodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"
	CodeGatewayForbidden   ErrorCode = "GATEWAY_FORBIDDEN"
	CodeRegistryDuplicate  ErrorCode = "REGISTRY_DUPLICATE"
	CodeWorkflowDuplicate  ErrorCode = "WORKFLOW_DUPLICATE"
	CodeConsensusDuplicate ErrorCode = "CONSENSUS_DUPLICATE"

	// Category fallbacks.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,
	ErrUnavailable:      CodeUnavailable,

	ErrConfigLoad:          CodeConfigLoad,
	ErrEncryption:          CodeEncryption,
	ErrDecryption:          CodeDecryption,
	ErrAgentNotFound:       CodeAgentNotFound,
	ErrNoEligibleAgent:     CodeNoEligibleAgent,
	ErrProposalNotFound:    CodeProposalNotFound,
	ErrProposalClosed:      CodeProposalClosed,
	ErrNotEligibleVoter:    CodeNotEligibleVoter,
	ErrInvalidDecision:     CodeInvalidDecision,
	ErrWorkflowNotFound:    CodeWorkflowNotFound,
	ErrExecutionNotFound:   CodeExecutionNotFound,
	ErrExecutionTerminal:   CodeExecutionTerminal,
	ErrTriggerInvalid:      CodeTriggerInvalid,
	ErrNoCoordination:      CodeNoCoordination,
	ErrUnknownQuery:        CodeUnknownQuery,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrRateLimit:           CodeRateLimit,
	ErrCircuitOpen:         CodeCircuitOpen,
	ErrRouteNotFound:       CodeRouteNotFound,
	ErrUpstream:            CodeUpstream,
	ErrRPCMethodNotFound:   CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:   CodeRPCInvalidPayload,
	ErrStoreUnavailable:    CodeStoreUnavailable,
	ErrAnalysisUnavailable: CodeAnalysisUnavail,
}

// subSystemCodeMap refines category sentinels per subsystem.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"registry":    CodeAgentNotFound,
		"consensus":   CodeProposalNotFound,
		"workflow":    CodeWorkflowNotFound,
		"gateway":     CodeRouteNotFound,
		"coordinator": CodeNoCoordination,
	},
	ErrTimeout: {
		"consensus": CodeConsensusTimeout,
		"workflow":  CodeWorkflowTimeout,
		"gateway":   CodeGatewayTimeout,
	},
	ErrDuplicate: {
		"registry":  CodeRegistryDuplicate,
		"workflow":  CodeWorkflowDuplicate,
		"consensus": CodeConsensusDuplicate,
	},
	ErrPermissionDenied: {
		"consensus": CodeNotEligibleVoter,
		"gateway":   CodeGatewayForbidden,
	},
}

// ErrorCodeOf extracts the ErrorCode from an error chain.
// Returns CodeUnknown if no recognized sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	// Specific sentinels first so wrapped categories don't shadow them.
	for sentinel, code := range errorCodeMap {
		if isCategory(sentinel) {
			continue
		}
		if errors.Is(err, sentinel) {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if isCategory(sentinel) && errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	if e.Err != nil {
		return ErrorCodeOf(e.Err)
	}
	return CodeUnknown
}

func isCategory(err error) bool {
	switch err {
	case ErrNotFound, ErrDuplicate, ErrTimeout, ErrLimitReached,
		ErrPermissionDenied, ErrInvalidInput, ErrProviderError, ErrUnavailable:
		return true
	}
	return false
}
