package coordinator

import (
	"context"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/davidroman0O/blockflow/errors"
)

// Etcd stores locks and entries in etcd. A multi-key lock is taken with a
// single transaction whose guards require every key to be free or already
// owned by the caller. Lock keys are bound to a lease kept alive for the life
// of the client, so a crashed process loses its locks after LeaseTTL.
type Etcd struct {
	client  *clientv3.Client
	ks      keyspace
	lease   clientv3.LeaseID
	timeout time.Duration
	cancel  context.CancelFunc
}

// NewEtcd dials the cluster and grants the lock lease
func NewEtcd(ctx context.Context, opts Options) (*Etcd, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New(errors.ErrConfiguration, "etcd endpoints cannot be empty")
	}
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, connectionError(err, "failed to create etcd client")
	}

	e := &Etcd{client: client, ks: newKeyspace(opts.Prefix), timeout: timeout}

	if opts.LeaseTTL > 0 {
		grantCtx, cancel := context.WithTimeout(ctx, timeout)
		lease, err := client.Grant(grantCtx, int64(opts.LeaseTTL.Seconds()))
		cancel()
		if err != nil {
			client.Close()
			return nil, connectionError(err, "failed to grant etcd lease")
		}
		e.lease = lease.ID

		keepCtx, keepCancel := context.WithCancel(context.Background())
		ch, err := client.KeepAlive(keepCtx, lease.ID)
		if err != nil {
			keepCancel()
			client.Close()
			return nil, connectionError(err, "failed to keep etcd lease alive")
		}
		e.cancel = keepCancel
		go func() {
			for range ch {
			}
		}()
	}

	return e, nil
}

func (e *Etcd) putOpts() []clientv3.OpOption {
	if e.lease == 0 {
		return nil
	}
	return []clientv3.OpOption{clientv3.WithLease(e.lease)}
}

func (e *Etcd) owners(ctx context.Context, keys []string) (map[string]string, error) {
	owners := make(map[string]string, len(keys))
	for _, k := range keys {
		resp, err := e.client.Get(ctx, e.ks.lockPath(k))
		if err != nil {
			return nil, connectionError(err, "failed to read lock "+k)
		}
		if len(resp.Kvs) > 0 {
			owners[k] = string(resp.Kvs[0].Value)
		}
	}
	return owners, nil
}

func (e *Etcd) TryLock(ctx context.Context, owner string, keys []string) ([]string, error) {
	keys = dedupe(keys)
	owners, err := e.owners(ctx, keys)
	if err != nil {
		return nil, err
	}

	var (
		contended []string
		cmps      []clientv3.Cmp
		ops       []clientv3.Op
	)
	for _, k := range keys {
		p := e.ks.lockPath(k)
		switch holder, held := owners[k]; {
		case held && holder != owner:
			contended = append(contended, k)
		case held:
			cmps = append(cmps, clientv3.Compare(clientv3.Value(p), "=", owner))
		default:
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(p), "=", 0))
			ops = append(ops, clientv3.OpPut(p, owner, e.putOpts()...))
		}
	}
	if len(contended) > 0 || len(ops) == 0 {
		return contended, nil
	}

	resp, err := e.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return nil, connectionError(err, "lock transaction failed")
	}
	if resp.Succeeded {
		return nil, nil
	}

	// Lost a race; report whoever holds the keys now.
	owners, err = e.owners(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if holder, held := owners[k]; held && holder != owner {
			contended = append(contended, k)
		}
	}
	if len(contended) == 0 {
		contended = keys
	}
	return contended, nil
}

func (e *Etcd) Unlock(ctx context.Context, owner string, keys []string) error {
	for _, k := range dedupe(keys) {
		p := e.ks.lockPath(k)
		_, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(p), "=", owner)).
			Then(clientv3.OpDelete(p)).
			Commit()
		if err != nil {
			return connectionError(err, "failed to release lock "+k)
		}
	}
	return nil
}

func (e *Etcd) LockOwner(ctx context.Context, key string) (string, error) {
	owners, err := e.owners(ctx, []string{key})
	if err != nil {
		return "", err
	}
	return owners[key], nil
}

func (e *Etcd) LocksHeldBy(ctx context.Context, owner string) ([]string, error) {
	resp, err := e.client.Get(ctx, e.ks.locksDir()+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, connectionError(err, "failed to list locks")
	}
	var keys []string
	for _, kv := range resp.Kvs {
		if string(kv.Value) == owner {
			keys = append(keys, e.ks.lockKey(string(kv.Key)))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (e *Etcd) Put(ctx context.Context, name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, err := e.client.Put(ctx, e.ks.dataPath(name), string(value)); err != nil {
		return connectionError(err, "failed to put "+name)
	}
	return nil
}

func (e *Etcd) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := e.client.Get(ctx, e.ks.dataPath(name))
	if err != nil {
		return nil, connectionError(err, "failed to get "+name)
	}
	if len(resp.Kvs) == 0 {
		return nil, notFound(name)
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Delete(ctx context.Context, name string) error {
	if _, err := e.client.Delete(ctx, e.ks.dataPath(name)); err != nil {
		return connectionError(err, "failed to delete "+name)
	}
	return nil
}

func (e *Etcd) List(ctx context.Context, dir string) ([]string, error) {
	resp, err := e.client.Get(ctx, e.ks.dataPath(dir)+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, connectionError(err, "failed to list "+dir)
	}
	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		names = append(names, e.ks.dataName(string(kv.Key)))
	}
	return childrenOf(dir, names), nil
}

// Close stops the keep-alive, revokes the lease and closes the client.
func (e *Etcd) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		_, _ = e.client.Revoke(ctx, e.lease)
		cancel()
	}
	return e.client.Close()
}
