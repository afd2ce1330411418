package txn

import (
	"context"
	"fmt"

	"txnsession/pkg/iface/txnif"

	"github.com/sirupsen/logrus"
)

func (s *Session) abortMultiTable(m *multiTableMode) (uint64, error) {
	if _, err := s.beforeFinish(m); err != nil {
		logrus.Warnf("%s write back before abort: %v", s.String(), err)
	}
	if err := s.mgr.AbortTransaction(s.DB.GetID(), m.txnID, txnif.UserRollbackReason); err != nil {
		return m.txnID, fmt.Errorf("%w: %w", ErrCoordinator, err)
	}
	s.resolve(StateAborted, txnif.TxnStatusAborted, nil)
	logrus.Infof("Rollback %s", s.String())
	return m.txnID, nil
}

func (s *Session) abortStreaming(ctx context.Context, m *streamingMode) (uint64, error) {
	if err := m.executor.Abort(ctx); err != nil {
		return m.txnID(), fmt.Errorf("%w: %w", ErrCoordinator, err)
	}
	m.pending = nil
	s.resolve(StateAborted, txnif.TxnStatusAborted, nil)
	logrus.Infof("Rollback %s", s.String())
	return m.txnID(), nil
}

// compensate aborts after a failed commit on a detached context bounded by
// the abort timeout. Its own failure is only logged. It reports whether the
// abort went through.
func (s *Session) compensate(ctx context.Context, mode txnMode, cause error) bool {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AbortTimeout)
	defer cancel()
	var err error
	switch m := mode.(type) {
	case *multiTableMode:
		err = s.mgr.AbortTransaction(s.DB.GetID(), m.txnID, cause.Error())
	case *streamingMode:
		err = m.executor.Abort(actx)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"label":  s.Label,
			"txn_id": s.TxnID,
		}).Errorf("Failed to abort transaction: %v", err)
		return false
	}
	return true
}
