// Package transports defines the boundary between the pipeline and the
// telephony network. A transport turns its wire protocol into frames
// and back; nothing downstream knows which vendor carried the call.
package transports

import (
	"context"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

// Transport carries frames to and from one telephony vendor.
// Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// DTMFSender is implemented by transports that can play keypad digits
// into an active call.
type DTMFSender interface {
	SendDTMF(ctx context.Context, callSID, digits string) error
}

// OutboundDialer is implemented by transports that can originate calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter exposes startup metadata such as webhook URLs, used for
// informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
