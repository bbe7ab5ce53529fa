package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/frame"
)

// Link is a driver's handle on its domain: the outbound sender plus the
// domain's reply table.
type Link struct {
	domain  Domain
	sender  Sender
	replies *ReplyTable
	timeout time.Duration
}

// NewLink returns a link for domain. A zero timeout disables the default
// reply deadline.
func NewLink(domain Domain, sender Sender, replies *ReplyTable, timeout time.Duration) *Link {
	return &Link{
		domain:  domain,
		sender:  sender,
		replies: replies,
		timeout: timeout,
	}
}

// Domain returns the domain the link sends on.
func (l *Link) Domain() Domain {
	return l.domain
}

// Send transmits msg without waiting for an answer.
func (l *Link) Send(ctx context.Context, msg frame.Tagged) error {
	if err := l.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending %s on %q: %w", msg.ID(), l.domain, err)
	}
	return nil
}

// Request sends msg and waits for a frame with identifier reply for which
// accept returns true. Frames that share the identifier but fail accept
// belong to a concurrent request and are skipped. A nil accept takes the
// first frame.
//
// When ctx has no deadline the link's default timeout applies.
func (l *Link) Request(ctx context.Context, msg frame.Tagged, reply frame.MessageID, accept func(frame.Tagged) bool) (frame.Tagged, error) {
	if _, ok := ctx.Deadline(); !ok && l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	id := reply.Uint32()
	token, ch := l.replies.Register(id)
	if err := l.Send(ctx, msg); err != nil {
		l.replies.Cancel(id, token)
		return frame.Tagged{}, err
	}

	for {
		select {
		case got := <-ch:
			if accept == nil || accept(got) {
				return got, nil
			}
			// Deliver has already cleared id. A matching reply that lands
			// before this registration is lost and the request times out.
			token, ch = l.replies.Register(id)
		case <-ctx.Done():
			l.replies.Cancel(id, token)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return frame.Tagged{}, fmt.Errorf("%w: awaiting %s on %q", ErrReplyTimeout, reply, l.domain)
			}
			return frame.Tagged{}, ctx.Err()
		}
	}
}
