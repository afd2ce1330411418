package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"txnsession/pkg/iface/txnif"

	"github.com/sirupsen/logrus"
)

// visibleTimeout is the shorter of the time left before the deadline and the
// insert visible timeout.
func (s *Session) visibleTimeout() time.Duration {
	timeout := s.opts.InsertVisibleTimeout
	if remaining := s.Deadline.Sub(s.opts.Clock.Now()); remaining < timeout {
		timeout = remaining
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// beforeFinish writes the deduplicated table list and the ordered sub txns
// back to the coordinator.
func (s *Session) beforeFinish(m *multiTableMode) ([]*txnif.SubTransactionState, error) {
	tableIDs, states := m.registry.Prepare()
	if err := s.mgr.SetTableIDList(s.DB.GetID(), m.txnID, tableIDs); err != nil {
		return nil, err
	}
	logrus.Debugf("%s subTransactionStates=%v", s.String(), states)
	if err := s.mgr.SetSubTransactionStates(s.DB.GetID(), m.txnID, states); err != nil {
		return nil, err
	}
	return states, nil
}

func (s *Session) commitMultiTable(ctx context.Context, m *multiTableMode) (txnif.TxnStatus, error) {
	if err := m.registry.Check(); err != nil {
		return s.Status, fmt.Errorf("txn_id=%d: %w", m.txnID, err)
	}
	s.State = StateCommitting
	states, err := s.beforeFinish(m)
	if err == nil {
		var visible bool
		visible, err = s.mgr.CommitAndPublishTransaction(ctx, s.DB, m.txnID, states, s.visibleTimeout())
		if err == nil {
			if visible {
				s.resolve(StateVisible, txnif.TxnStatusVisible, nil)
			} else {
				logrus.Warnf("%s committed, data will be visible later", s.String())
				s.resolve(StateCommitted, txnif.TxnStatusCommitted, nil)
			}
			return s.Status, nil
		}
	}
	err = fmt.Errorf("%w: %w", ErrCoordinator, err)
	logrus.WithFields(logrus.Fields{
		"label":  s.Label,
		"txn_id": m.txnID,
	}).Errorf("Failed to commit transaction: %v", err)
	status := txnif.TxnStatusUnknown
	if s.compensate(ctx, m, err) {
		status = txnif.TxnStatusAborted
	}
	s.resolve(StateFailed, status, err)
	return s.Status, err
}

func (s *Session) commitStreaming(ctx context.Context, m *streamingMode) (txnif.TxnStatus, error) {
	s.State = StateCommitting
	if len(m.pending) > 0 {
		if err := s.flush(ctx, m); err != nil {
			return s.failStreaming(ctx, m, err)
		}
	}
	if err := m.executor.Commit(ctx); err != nil {
		return s.failStreaming(ctx, m, fmt.Errorf("%w: %w", ErrCoordinator, err))
	}

	// The transaction is durable, only its visibility is left to find out.
	req := &txnif.WaitingTxnStatusRequest{
		DBID:  m.params.DBID,
		TxnID: m.txnID(),
		Wait:  s.visibleTimeout(),
	}
	res, err := s.status.GetWaitingTxnStatus(ctx, req)
	if err != nil {
		if !errors.Is(err, txnif.ErrNetwork) {
			err = fmt.Errorf("%w: %w", ErrCoordinator, err)
		}
		s.resolve(StateFailed, txnif.TxnStatusUnknown, err)
		return s.Status, err
	}
	switch res.Status {
	case txnif.TxnStatusVisible:
		s.resolve(StateVisible, res.Status, nil)
	case txnif.TxnStatusCommitted:
		s.resolve(StateCommitted, res.Status, fmt.Errorf("%w: txn_id=%d", ErrCommittedNotVisible, req.TxnID))
	case txnif.TxnStatusPrepare:
		s.resolve(StateFailed, res.Status, fmt.Errorf("%w: txn_id=%d, waited %s", ErrVisibilityTimeout, req.TxnID, req.Wait))
	default:
		msg := DefaultCommitFailedMsg
		if len(res.ErrorMsgs) > 0 {
			msg = strings.Join(res.ErrorMsgs, ". ")
		}
		s.resolve(StateFailed, res.Status, fmt.Errorf("%w: %s", ErrCommitFailed, msg))
	}
	return s.Status, s.Err
}

func (s *Session) failStreaming(ctx context.Context, m *streamingMode, err error) (txnif.TxnStatus, error) {
	logrus.WithFields(logrus.Fields{
		"label":  s.Label,
		"txn_id": m.txnID(),
		"load":   m.executor.LoadID().String(),
	}).Errorf("Failed to commit transaction: %v", err)
	status := txnif.TxnStatusUnknown
	if s.compensate(ctx, m, err) {
		status = txnif.TxnStatusAborted
	}
	s.resolve(StateFailed, status, err)
	return s.Status, err
}
