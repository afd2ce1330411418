package forward

import (
	"context"
	"errors"
	"sync"

	"txnsession/pkg/iface/txnif"

	"github.com/sirupsen/logrus"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
)

const DefaultServerWorkers = 4

// StatusServer answers forwarded waiting-status queries on the leader.
type StatusServer struct {
	reader  txnif.StatusReader
	workers int

	mu     sync.Mutex
	sock   mangos.Socket
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStatusServer(reader txnif.StatusReader, workers int) *StatusServer {
	if workers <= 0 {
		workers = DefaultServerWorkers
	}
	return &StatusServer{
		reader:  reader,
		workers: workers,
	}
}

func (s *StatusServer) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sock != nil {
		return ErrServerStarted
	}
	sock, err := rep.NewSocket()
	if err != nil {
		return err
	}
	if err = sock.Listen(addr); err != nil {
		sock.Close()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < s.workers; i++ {
		sctx, err := sock.OpenContext()
		if err != nil {
			cancel()
			sock.Close()
			s.wg.Wait()
			return err
		}
		s.wg.Add(1)
		go s.serve(ctx, sctx)
	}
	s.sock = sock
	s.cancel = cancel
	logrus.Infof("Status server listening on %s", addr)
	return nil
}

func (s *StatusServer) serve(ctx context.Context, sctx mangos.Context) {
	defer s.wg.Done()
	for {
		msg, err := sctx.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			logrus.Warnf("Status server recv: %v", err)
			continue
		}
		if err = sctx.Send(s.handle(ctx, msg)); err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			logrus.Warnf("Status server send: %v", err)
		}
	}
}

func (s *StatusServer) handle(ctx context.Context, msg []byte) []byte {
	var res *txnif.WaitingTxnStatusResult
	req, err := decodeRequest(msg)
	if err == nil {
		res, err = s.reader.GetWaitingTxnStatus(ctx, req)
	}
	reply, eerr := encodeResponse(res, err)
	if eerr != nil {
		logrus.Errorf("Status server encode: %v", eerr)
		reply, _ = encodeResponse(nil, eerr)
	}
	return reply
}

func (s *StatusServer) Stop() {
	s.mu.Lock()
	sock, cancel := s.sock, s.cancel
	s.sock, s.cancel = nil, nil
	s.mu.Unlock()
	if sock == nil {
		return
	}
	cancel()
	sock.Close()
	s.wg.Wait()
}
