package agent

import (
	"context"
	"encoding/json"

	"github.com/valetlabs/valet/pkg/models"
)

// Advisor contributes text to the system prompt's dynamic section
// before each chat. Advisors fail soft: an error is logged and the
// chat proceeds without that advisor's contribution.
type Advisor interface {
	Name() string
	Advise(ctx context.Context, message, channel string) (string, error)
}

// AdvisorFunc adapts a function to the Advisor interface.
type AdvisorFunc struct {
	AdvisorName string
	Fn          func(ctx context.Context, message, channel string) (string, error)
}

func (a AdvisorFunc) Name() string { return a.AdvisorName }

func (a AdvisorFunc) Advise(ctx context.Context, message, channel string) (string, error) {
	return a.Fn(ctx, message, channel)
}

// ChatRecord is what after-chat hooks observe.
type ChatRecord struct {
	Message  string
	Response *models.ChatResult
	Channel  string
	UserID   string
}

// AfterChatHook runs after a chat completes. Hooks run sequentially;
// failures are logged and never surfaced to the caller.
type AfterChatHook interface {
	Name() string
	AfterChat(ctx context.Context, rec *ChatRecord) error
}

// ApprovalRequest asks the user to authorize a tool that requires an
// explicit grant.
type ApprovalRequest struct {
	Tool        string
	Description string
	Arguments   json.RawMessage
	Channel     string
	UserID      string
}

// ApprovalHandler routes an approval request to the user and blocks
// until they answer. Blocking here deliberately blocks the gateway
// consumer: per-agent serialization is preserved while the question is
// outstanding.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req *ApprovalRequest) (bool, error)
}
