package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"txnsession/pkg/iface/txnif"
	"txnsession/pkg/metrics"
	"txnsession/pkg/txn/txnbase"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type stubReader struct {
	calls int32
	delay time.Duration
	err   error
}

func (r *stubReader) GetWaitingTxnStatus(ctx context.Context, req *txnif.WaitingTxnStatusRequest) (*txnif.WaitingTxnStatusResult, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &txnif.WaitingTxnStatusResult{
		Status:    txnif.TxnStatusVisible,
		ErrorMsgs: []string{fmt.Sprintf("txn %d", req.TxnID)},
	}, nil
}

var addrSeq int32

func nextAddr() string {
	return fmt.Sprintf("inproc://forward-test-%d", atomic.AddInt32(&addrSeq, 1))
}

func startServer(t *testing.T, reader txnif.StatusReader) string {
	addr := nextAddr()
	server := NewStatusServer(reader, 4)
	assert.Nil(t, server.Start(addr))
	assert.ErrorIs(t, server.Start(addr), ErrServerStarted)
	t.Cleanup(server.Stop)
	return addr
}

func TestRouterLocal(t *testing.T) {
	m := metrics.NewRegistry()
	local, remote := new(stubReader), new(stubReader)
	role := NewRole(true)
	router := NewRouter(role, NewLocalServe(local), remote, m)

	res, err := router.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: 3})
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusVisible, res.Status)
	assert.Equal(t, int32(1), local.calls)
	assert.Equal(t, int32(0), remote.calls)

	role.SetLeader(false)
	_, err = router.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: 3})
	assert.Nil(t, err)
	assert.Equal(t, int32(1), remote.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StatusQueriesTotal.WithLabelValues(metrics.PathLocal, metrics.ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StatusQueriesTotal.WithLabelValues(metrics.PathForward, metrics.ResultOK)))

	router = NewRouter(role, local, nil, nil)
	_, err = router.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: 3})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestForwardToLeader(t *testing.T) {
	leader := new(stubReader)
	addr := startServer(t, leader)
	remote, err := NewForwardToLeader(addr, time.Second)
	assert.Nil(t, err)
	defer remote.Close()

	router := NewRouter(NewRole(false), nil, remote, nil)
	res, err := router.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: 42})
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusVisible, res.Status)
	assert.Equal(t, []string{"txn 42"}, res.ErrorMsgs)
	assert.Equal(t, int32(1), leader.calls)
}

func TestForwardLeaderError(t *testing.T) {
	leader := &stubReader{err: errors.New("txn manager closed")}
	addr := startServer(t, leader)
	remote, err := NewForwardToLeader(addr, time.Second)
	assert.Nil(t, err)
	defer remote.Close()

	_, err = remote.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: 42})
	assert.ErrorIs(t, err, ErrLeaderRejected)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "txn manager closed")
}

func TestForwardUnreachable(t *testing.T) {
	remote, err := NewForwardToLeader(nextAddr(), 100*time.Millisecond)
	assert.Nil(t, err)
	defer remote.Close()

	start := time.Now()
	_, err = remote.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: 42})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.True(t, time.Since(start) < 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = remote.GetWaitingTxnStatus(ctx, &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: 42})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForwardConcurrent(t *testing.T) {
	leader := &stubReader{delay: 10 * time.Millisecond}
	addr := startServer(t, leader)
	remote, err := NewForwardToLeader(addr, time.Second)
	assert.Nil(t, err)
	defer remote.Close()

	var wg sync.WaitGroup
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(txnID uint64) {
			defer wg.Done()
			res, err := remote.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: txnID})
			assert.Nil(t, err)
			if err == nil {
				assert.Equal(t, []string{fmt.Sprintf("txn %d", txnID)}, res.ErrorMsgs)
			}
		}(uint64(i))
	}
	wg.Wait()
	assert.Equal(t, int32(16), atomic.LoadInt32(&leader.calls))
}

func TestForwardToTxnManager(t *testing.T) {
	mgr := txnbase.NewTxnManager(nil, 0)
	mgr.Start()
	defer mgr.Stop()
	txnID, err := mgr.BeginTransaction(1, []uint64{10}, "forwarded", txnif.TxnCoordinator{IP: "127.0.0.1"},
		txnif.LoadJobBackendStreaming, 10)
	assert.Nil(t, err)

	addr := startServer(t, NewLocalServe(mgr))
	remote, err := NewForwardToLeader(addr, time.Second)
	assert.Nil(t, err)
	defer remote.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		mgr.CommitTransaction(1, txnID, nil)
	}()
	res, err := remote.GetWaitingTxnStatus(context.Background(),
		&txnif.WaitingTxnStatusRequest{DBID: 1, Label: "forwarded", Wait: 2 * time.Second})
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusVisible, res.Status)

	res, err = remote.GetWaitingTxnStatus(context.Background(), &txnif.WaitingTxnStatusRequest{DBID: 1, TxnID: txnID + 100})
	assert.Nil(t, err)
	assert.Equal(t, txnif.TxnStatusUnknown, res.Status)
}
