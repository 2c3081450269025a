package messaging

import (
	"context"

	"workflowkernel/internal/domain"
)

// RenderedMessage is a channel-agnostic result of rendering a
// domain.UISchema, carrying just enough to hand to whatever transport
// an adapter speaks (Slack's chat.postMessage, a dashboard's websocket
// push, ...).
type RenderedMessage struct {
	Text   string
	Blocks interface{} // e.g. Slack Block Kit JSON; adapter-specific shape
}

// ApprovalRenderer is the contract an out-of-core chat/dashboard
// adapter implements to present an approval and receive the resulting
// decision. spec.md §1/§2 names "chat/messaging adapters (Slack Block
// Kit renderer)" as an external collaborator; this kernel only defines
// the interface boundary it is driven through, grounded on the shape
// of original_source/app/adapters/slack.py's SlackAdapter
// (render_blocks + a send call guarded by circuit-breaker/retry
// policy the adapter owns, not the kernel). No concrete
// implementation lives in this module.
type ApprovalRenderer interface {
	// Render converts a UISchema plus the approval's callback token
	// into a channel-native message body.
	Render(ctx context.Context, schema domain.UISchema, callbackToken string) (RenderedMessage, error)

	// Send delivers a previously rendered message to the adapter's
	// configured destination (channel, webhook URL, ...).
	Send(ctx context.Context, msg RenderedMessage) error
}
