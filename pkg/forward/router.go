package forward

import (
	"context"
	"fmt"

	"txnsession/pkg/iface/txnif"
	"txnsession/pkg/metrics"
)

// Router serves waiting-status queries locally on the leader and forwards
// them to the leader elsewhere. The path is picked once per call.
type Router struct {
	role    txnif.LeaderChecker
	local   txnif.StatusReader
	remote  txnif.StatusReader
	metrics *metrics.Registry
}

func NewRouter(role txnif.LeaderChecker, local, remote txnif.StatusReader, m *metrics.Registry) *Router {
	return &Router{
		role:    role,
		local:   local,
		remote:  remote,
		metrics: m,
	}
}

func (r *Router) route() (txnif.StatusReader, string) {
	if r.role.IsLeader() {
		return r.local, metrics.PathLocal
	}
	return r.remote, metrics.PathForward
}

func (r *Router) GetWaitingTxnStatus(ctx context.Context, req *txnif.WaitingTxnStatusRequest) (*txnif.WaitingTxnStatusResult, error) {
	reader, path := r.route()
	var (
		res *txnif.WaitingTxnStatusResult
		err error
	)
	if reader == nil {
		err = fmt.Errorf("%w: no %s status reader", ErrNetwork, path)
	} else {
		res, err = reader.GetWaitingTxnStatus(ctx, req)
	}
	if r.metrics != nil {
		r.metrics.RecordStatusQuery(path, err)
	}
	return res, err
}
