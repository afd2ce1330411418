package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txnsession/pkg/iface/txnif"

	"go.nanomsg.org/mangos/v3"
	reqproto "go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

const DefaultTimeout = 5 * time.Second

// ForwardToLeader sends waiting-status queries to the leader over a REQ
// socket. Concurrent queries run on separate socket contexts.
type ForwardToLeader struct {
	sock    mangos.Socket
	addr    string
	timeout time.Duration
}

func NewForwardToLeader(addr string, timeout time.Duration) (*ForwardToLeader, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sock, err := reqproto.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if err = sock.SetOption(mangos.OptionDialAsynch, true); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if err = sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNetwork, addr, err)
	}
	return &ForwardToLeader{
		sock:    sock,
		addr:    addr,
		timeout: timeout,
	}, nil
}

// deadline leaves the leader req.Wait to block plus the forward timeout,
// bounded by ctx.
func (f *ForwardToLeader) deadline(ctx context.Context, req *txnif.WaitingTxnStatusRequest) time.Duration {
	d := req.Wait + f.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	return d
}

func (f *ForwardToLeader) GetWaitingTxnStatus(ctx context.Context, req *txnif.WaitingTxnStatusRequest) (*txnif.WaitingTxnStatusResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	buf, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	d := f.deadline(ctx, req)
	if d <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, context.DeadlineExceeded)
	}
	sctx, err := f.sock.OpenContext()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer sctx.Close()
	if err = sctx.SetOption(mangos.OptionSendDeadline, d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if err = sctx.SetOption(mangos.OptionRecvDeadline, d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	if err = sctx.Send(buf); err != nil {
		return nil, fmt.Errorf("%w: send to %s: %w", ErrNetwork, f.addr, err)
	}
	reply, err := sctx.Recv()
	if err != nil {
		return nil, fmt.Errorf("%w: recv from %s: %w", ErrNetwork, f.addr, err)
	}
	res, err := decodeResponse(reply)
	if errors.Is(err, ErrBadMessage) {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return res, err
}

func (f *ForwardToLeader) Close() error {
	return f.sock.Close()
}
