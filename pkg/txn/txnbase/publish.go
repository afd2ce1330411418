package txnbase

import (
	"sync"

	"txnsession/pkg/iface/txnif"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// Publisher makes a committed version visible on every replica of the
// acknowledged tablets and reports the tablets that failed.
type Publisher interface {
	PublishVersion(txnID, version uint64, infos []txnif.TabletCommitInfo) *roaring64.Bitmap
	Close() error
}

// PublishFunc publishes one version of one tablet on one replica.
type PublishFunc = func(replica int, tabletID, txnID, version uint64) error

var NoopPublishFunc = func(int, uint64, uint64, uint64) error { return nil }

type replicaPublisher struct {
	pool     *ants.Pool
	replicas int
	fn       PublishFunc
}

func NewReplicaPublisher(workers, replicas int, fn PublishFunc) (Publisher, error) {
	if fn == nil {
		fn = NoopPublishFunc
	}
	if replicas <= 0 {
		replicas = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &replicaPublisher{
		pool:     pool,
		replicas: replicas,
		fn:       fn,
	}, nil
}

func (p *replicaPublisher) PublishVersion(txnID, version uint64, infos []txnif.TabletCommitInfo) *roaring64.Bitmap {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = roaring64.NewBitmap()
	)
	markFailed := func(tabletID uint64) {
		mu.Lock()
		failed.Add(tabletID)
		mu.Unlock()
	}
	for _, info := range infos {
		tabletID := info.TabletID
		wg.Add(1)
		task := func() {
			defer wg.Done()
			for replica := 0; replica < p.replicas; replica++ {
				if err := p.fn(replica, tabletID, txnID, version); err != nil {
					logrus.Warnf("[Txn-%d] publish version %d on tablet %d replica %d: %v",
						txnID, version, tabletID, replica, err)
					markFailed(tabletID)
					return
				}
			}
		}
		if err := p.pool.Submit(task); err != nil {
			wg.Done()
			markFailed(tabletID)
		}
	}
	wg.Wait()
	return failed
}

func (p *replicaPublisher) Close() error {
	p.pool.Release()
	return nil
}

type noopPublisher struct{}

func (noopPublisher) PublishVersion(uint64, uint64, []txnif.TabletCommitInfo) *roaring64.Bitmap {
	return roaring64.NewBitmap()
}

func (noopPublisher) Close() error { return nil }

var NoopPublisher Publisher = noopPublisher{}
