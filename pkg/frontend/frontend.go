package frontend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"txnsession/pkg/catalog"
	txncommon "txnsession/pkg/common"
	"txnsession/pkg/config"
	"txnsession/pkg/forward"
	"txnsession/pkg/iface/txnif"
	"txnsession/pkg/metrics"
	"txnsession/pkg/stream"
	"txnsession/pkg/txn"
	"txnsession/pkg/txn/txnbase"

	"github.com/matrixorigin/matrixone/pkg/vm/engine/aoe/storage/common"
	"github.com/sirupsen/logrus"
)

const localBackendID = 1

type ConnCtx interface {
	GetID() uint64
}

// TxnFrontend is the statement surface of a connection.
type TxnFrontend interface {
	Connect() ConnCtx
	Disconnect(ctx context.Context, conn ConnCtx) error

	CreateDatabase(name string) (uint64, error)
	CreateTable(desc *CreateTableDesc) (uint64, error)
	DropTable(desc *DropTableDesc) (uint64, error)

	Begin(conn ConnCtx, desc *BeginDesc) error
	InsertValues(ctx context.Context, conn ConnCtx, desc *InsertValuesDesc) (uint64, error)
	InsertSelect(ctx context.Context, conn ConnCtx, desc *SelectDesc) (uint64, error)
	DeleteSelect(ctx context.Context, conn ConnCtx, desc *SelectDesc) (uint64, error)
	Commit(ctx context.Context, conn ConnCtx) (txnif.TxnStatus, error)
	Rollback(ctx context.Context, conn ConnCtx) (uint64, error)
}

var _ TxnFrontend = (*Frontend)(nil)

type connCtx struct {
	id      uint64
	session *txn.Session
}

func (c *connCtx) GetID() uint64 { return c.id }

type Option func(*Frontend)

// WithTxnManager shares a transaction manager owned by someone else, as a
// follower sharing the leader's.
func WithTxnManager(mgr *txnbase.TxnManager) Option {
	return func(fe *Frontend) { fe.TxnMgr = mgr }
}

func WithCatalog(c *catalog.Catalog) Option {
	return func(fe *Frontend) { fe.Catalog = c }
}

func WithStatementExecutor(exec StatementExecutor) Option {
	return func(fe *Frontend) { fe.exec = exec }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(fe *Frontend) { fe.Metrics = m }
}

func WithClock(clock txncommon.Clock) Option {
	return func(fe *Frontend) { fe.clock = clock }
}

type Frontend struct {
	sync.RWMutex
	Cfg     *config.Config
	Catalog *catalog.Catalog
	TxnMgr  *txnbase.TxnManager
	Role    *forward.Role
	Status  *forward.Router
	Metrics *metrics.Registry

	ownMgr    bool
	publisher txnbase.Publisher
	backend   *stream.LocalBackend
	exec      StatementExecutor
	server    *forward.StatusServer
	remote    *forward.ForwardToLeader
	clock     txncommon.Clock
	connAlloc *common.IdAlloctor
	conns     map[uint64]*connCtx
	stopC     chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func Open(cfg *config.Config, opts ...Option) (fe *Frontend, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err = cfg.Validate(); err != nil {
		return
	}
	fe = &Frontend{
		Cfg:       cfg,
		clock:     txncommon.SystemClock,
		connAlloc: common.NewIdAlloctor(0),
		conns:     make(map[uint64]*connCtx),
		stopC:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fe)
	}
	if fe.Catalog == nil {
		fe.Catalog = catalog.NewCatalog()
	}
	if fe.Metrics == nil {
		fe.Metrics = metrics.NewRegistry()
	}
	if fe.exec == nil {
		fe.exec = &tabletWriter{backendID: localBackendID}
	}
	if fe.TxnMgr == nil {
		if fe.publisher, err = txnbase.NewReplicaPublisher(cfg.TxnMgr.PublishWorkers, cfg.TxnMgr.Replicas, nil); err != nil {
			return nil, err
		}
		fe.TxnMgr = txnbase.NewTxnManager(fe.publisher, cfg.TxnMgr.MaxFinishedTxns)
		fe.TxnMgr.SetClock(fe.clock)
		fe.TxnMgr.Start()
		fe.ownMgr = true
	}
	fe.backend = stream.NewLocalBackend(fe.TxnMgr, fe.Catalog.TabletIDs, localBackendID)

	fe.Role = forward.NewRole(cfg.Forward.Leader)
	local := forward.NewLocalServe(fe.TxnMgr)
	var remote txnif.StatusReader
	if cfg.Forward.Leader {
		if cfg.Forward.ListenAddr != "" {
			fe.server = forward.NewStatusServer(local, cfg.Forward.ServerWorkers)
			if err = fe.server.Start(cfg.Forward.ListenAddr); err != nil {
				fe.server = nil
				fe.Close()
				return nil, err
			}
		}
	} else {
		if fe.remote, err = forward.NewForwardToLeader(cfg.Forward.LeaderAddr, cfg.Forward.Timeout()); err != nil {
			fe.Close()
			return nil, err
		}
		remote = fe.remote
	}
	fe.Status = forward.NewRouter(fe.Role, local, remote, fe.Metrics)

	if fe.ownMgr && cfg.TxnMgr.ExpireCheckInterval() > 0 {
		fe.wg.Add(1)
		go fe.maintain(cfg.TxnMgr.ExpireCheckInterval())
	}
	logrus.Infof("Frontend opened, leader=%v", cfg.Forward.Leader)
	return fe, nil
}

// maintain aborts expired transactions and retries stuck publishes.
func (fe *Frontend) maintain(interval time.Duration) {
	defer fe.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-fe.stopC:
			return
		case <-ticker.C:
			fe.TxnMgr.RemoveExpiredTxns()
			if n := fe.TxnMgr.RepublishCommitted(); n > 0 {
				logrus.Infof("Republished %d committed txns", n)
			}
		}
	}
}

func (fe *Frontend) Close() (err error) {
	fe.closeOnce.Do(func() {
		close(fe.stopC)
		fe.wg.Wait()
		if fe.server != nil {
			fe.server.Stop()
		}
		if fe.remote != nil {
			fe.remote.Close()
		}
		if fe.ownMgr {
			fe.TxnMgr.Stop()
			err = fe.publisher.Close()
		}
	})
	return
}

func (fe *Frontend) Connect() ConnCtx {
	c := &connCtx{id: fe.connAlloc.Alloc()}
	fe.Lock()
	fe.conns[c.id] = c
	fe.Unlock()
	return c
}

// Disconnect aborts a transaction the connection left open.
func (fe *Frontend) Disconnect(ctx context.Context, conn ConnCtx) error {
	fe.Lock()
	c := fe.conns[conn.GetID()]
	delete(fe.conns, conn.GetID())
	fe.Unlock()
	if c == nil {
		return ErrConnNotFound
	}
	if c.session == nil {
		return nil
	}
	_, err := fe.discard(ctx, c.session)
	c.session = nil
	return err
}

func (fe *Frontend) getConn(conn ConnCtx) (*connCtx, error) {
	fe.RLock()
	defer fe.RUnlock()
	c := fe.conns[conn.GetID()]
	if c == nil {
		return nil, ErrConnNotFound
	}
	return c, nil
}

func (fe *Frontend) CreateDatabase(name string) (uint64, error) {
	db, err := fe.Catalog.CreateDBEntry(name)
	if err != nil {
		return 0, err
	}
	return db.GetID(), nil
}

func (fe *Frontend) CreateTable(desc *CreateTableDesc) (uint64, error) {
	db, err := fe.Catalog.GetDBEntry(desc.DB)
	if err != nil {
		return 0, err
	}
	table, err := db.CreateTableEntry(desc.Schema)
	if err != nil {
		return 0, err
	}
	return table.GetID(), nil
}

func (fe *Frontend) DropTable(desc *DropTableDesc) (uint64, error) {
	db, err := fe.Catalog.GetDBEntry(desc.DB)
	if err != nil {
		return 0, err
	}
	table, err := db.DropTableEntry(desc.Name)
	if err != nil {
		return 0, err
	}
	return table.GetID(), nil
}

func (fe *Frontend) getTable(dbName, tableName string) (*catalog.TableEntry, error) {
	db, err := fe.Catalog.GetDBEntry(dbName)
	if err != nil {
		return nil, fmt.Errorf("database %s: %w", dbName, err)
	}
	table, err := db.GetTableEntry(tableName)
	if err != nil {
		return nil, fmt.Errorf("table %s.%s: %w", dbName, tableName, err)
	}
	return table, nil
}

func (fe *Frontend) newSession(label string) *txn.Session {
	cfg := &fe.Cfg.Session
	return txn.NewSession(fe.TxnMgr, fe.Status, stream.NewExecutorFactory(fe.backend), txn.Options{
		Label:                label,
		ExecTimeout:          cfg.ExecTimeout(),
		InsertVisibleTimeout: cfg.InsertVisibleTimeout(),
		AbortTimeout:         cfg.AbortTimeout(),
		StreamBatchRows:      cfg.StreamBatchRows,
		Clock:                fe.clock,
	})
}

func (fe *Frontend) Begin(conn ConnCtx, desc *BeginDesc) error {
	c, err := fe.getConn(conn)
	if err != nil {
		return err
	}
	if c.session != nil {
		return fmt.Errorf("%w: %s", ErrTxnAlreadyBegun, c.session.Label)
	}
	c.session = fe.newSession(desc.Label)
	return nil
}

// exec runs a statement in the open transaction of the connection, or in an
// implicit one committed right after the statement.
func (fe *Frontend) runStatement(ctx context.Context, conn ConnCtx, fn func(s *txn.Session) (uint64, error)) (uint64, error) {
	c, err := fe.getConn(conn)
	if err != nil {
		return 0, err
	}
	s, implicit := c.session, c.session == nil
	if implicit {
		s = fe.newSession("")
	}
	before := s.Mode()
	id, err := fn(s)
	if before == txn.ModeUnset && s.Mode() != txn.ModeUnset {
		fe.Metrics.RecordBegin(s.Mode().String())
	}
	if !implicit {
		return id, err
	}
	if err != nil {
		fe.discard(ctx, s)
		return id, err
	}
	if _, err = fe.commit(ctx, s); err != nil {
		if !s.State.IsResolved() {
			fe.discard(ctx, s)
		}
		return id, err
	}
	return id, nil
}

func (fe *Frontend) commit(ctx context.Context, s *txn.Session) (txnif.TxnStatus, error) {
	start, resolved := time.Now(), s.State.IsResolved()
	status, err := s.Commit(ctx)
	if !resolved && s.Mode() != txn.ModeUnset && s.State.IsResolved() {
		fe.Metrics.RecordCommit(s.Mode().String(), s.State.String(), time.Since(start))
	}
	return status, err
}

func (fe *Frontend) rollback(ctx context.Context, s *txn.Session) (uint64, error) {
	resolved := s.State.IsResolved()
	id, err := s.Abort(ctx)
	if err == nil && !resolved && s.Mode() != txn.ModeUnset {
		fe.Metrics.RecordAbort(s.Mode().String())
	}
	return id, err
}

// discard rolls back a session that is dropped whatever the outcome.
func (fe *Frontend) discard(ctx context.Context, s *txn.Session) (uint64, error) {
	id, err := fe.rollback(ctx, s)
	if err != nil && !s.State.IsResolved() && s.Mode() != txn.ModeUnset {
		logrus.Warnf("Discard %s: %v", s.String(), err)
		fe.Metrics.RecordDiscard()
	}
	return id, err
}

func (fe *Frontend) InsertValues(ctx context.Context, conn ConnCtx, desc *InsertValuesDesc) (uint64, error) {
	table, err := fe.getTable(desc.DB, desc.Table)
	if err != nil {
		return 0, err
	}
	return fe.runStatement(ctx, conn, func(s *txn.Session) (uint64, error) {
		txnID, err := s.BeginStreaming(ctx, table)
		if err != nil {
			return txnID, err
		}
		if err = s.AppendRows(ctx, desc.Rows); err != nil {
			return txnID, err
		}
		fe.Metrics.StreamRowsTotal.Add(float64(len(desc.Rows)))
		return txnID, nil
	})
}

func (fe *Frontend) execSelect(ctx context.Context, conn ConnCtx, desc *SelectDesc, typ txnif.SubTxnType) (uint64, error) {
	table, err := fe.getTable(desc.DB, desc.Table)
	if err != nil {
		return 0, err
	}
	return fe.runStatement(ctx, conn, func(s *txn.Session) (uint64, error) {
		subTxnID, err := s.BeginMultiTable(table)
		if err != nil {
			return subTxnID, err
		}
		infos, err := fe.exec.ExecSelect(ctx, table, subTxnID, typ)
		if err != nil {
			if aerr := s.AbortParticipant(subTxnID, table); aerr != nil {
				logrus.Warnf("Abort sub txn %d: %v", subTxnID, aerr)
			}
			return subTxnID, err
		}
		return subTxnID, s.RecordCommitAck(subTxnID, table, infos, typ)
	})
}

func (fe *Frontend) InsertSelect(ctx context.Context, conn ConnCtx, desc *SelectDesc) (uint64, error) {
	return fe.execSelect(ctx, conn, desc, txnif.SubTxnInsert)
}

func (fe *Frontend) DeleteSelect(ctx context.Context, conn ConnCtx, desc *SelectDesc) (uint64, error) {
	return fe.execSelect(ctx, conn, desc, txnif.SubTxnDelete)
}

// Commit commits the open transaction. A transaction that failed its
// consistency check stays open for a rollback.
func (fe *Frontend) Commit(ctx context.Context, conn ConnCtx) (txnif.TxnStatus, error) {
	c, err := fe.getConn(conn)
	if err != nil {
		return txnif.TxnStatusUnknown, err
	}
	if c.session == nil {
		return txnif.TxnStatusUnknown, nil
	}
	status, err := fe.commit(ctx, c.session)
	if c.session.State.IsResolved() || c.session.Mode() == txn.ModeUnset {
		c.session = nil
	}
	return status, err
}

func (fe *Frontend) Rollback(ctx context.Context, conn ConnCtx) (uint64, error) {
	c, err := fe.getConn(conn)
	if err != nil {
		return txnif.InvalidTxnID, err
	}
	if c.session == nil {
		return txnif.InvalidTxnID, nil
	}
	id, err := fe.rollback(ctx, c.session)
	if err == nil {
		c.session = nil
	}
	return id, err
}

// Session exposes the open transaction of a connection.
func (fe *Frontend) Session(conn ConnCtx) *txn.Session {
	c, err := fe.getConn(conn)
	if err != nil {
		return nil
	}
	return c.session
}
