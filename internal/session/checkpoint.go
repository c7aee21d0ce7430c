package session

import (
	"context"

	"github.com/jlneal/choragen/internal/types"
)

// ApprovalRequest asks a human to approve or reject one sensitive tool
// call. The session stays paused at the call until resolved or timed out.
type ApprovalRequest struct {
	SessionID types.ID `json:"session_id"`
	ToolName  string   `json:"tool_name"`
	Arguments string   `json:"arguments,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// ApprovalBroker resolves human checkpoint requests. The runner bounds
// each request with a timeout; brokers should honor context cancellation.
type ApprovalBroker interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error)
}

// BrokerFunc adapts a function to the ApprovalBroker interface.
type BrokerFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

// RequestApproval implements ApprovalBroker.
func (f BrokerFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// ApproveAll approves every request. Used when checkpoint mode is off
// but a governance rule still demands approval and an operator has
// pre-authorized the run.
type ApproveAll struct{}

// RequestApproval implements ApprovalBroker.
func (ApproveAll) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	return true, nil
}

// RejectAll rejects every request.
type RejectAll struct{}

// RequestApproval implements ApprovalBroker.
func (RejectAll) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	return false, nil
}
