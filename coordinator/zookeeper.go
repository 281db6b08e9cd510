package coordinator

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/davidroman0O/blockflow/errors"
)

// ZooKeeper keeps each lock key as an ephemeral znode holding the owner id,
// so locks vanish with the session of a crashed process. A multi-key lock is
// one Multi request: creates for the free keys plus version checks for the
// keys the owner already holds.
type ZooKeeper struct {
	conn *zk.Conn
	ks   keyspace
	acl  []zk.ACL
}

// NewZooKeeper connects to the ensemble
func NewZooKeeper(opts Options) (*ZooKeeper, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New(errors.ErrConfiguration, "zookeeper endpoints cannot be empty")
	}
	session := opts.SessionTimeout
	if session == 0 {
		session = 5 * time.Second
	}

	conn, _, err := zk.Connect(opts.Endpoints, session)
	if err != nil {
		return nil, connectionError(err, "failed to connect to zookeeper")
	}

	z := &ZooKeeper{conn: conn, ks: newKeyspace(opts.Prefix), acl: zk.WorldACL(zk.PermAll)}
	if err := z.ensurePath(z.ks.locksDir()); err != nil {
		conn.Close()
		return nil, err
	}
	if err := z.ensurePath(z.ks.dataDir()); err != nil {
		conn.Close()
		return nil, err
	}
	return z, nil
}

// ensurePath creates every missing persistent node along p
func (z *ZooKeeper) ensurePath(p string) error {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		_, err := z.conn.Create(current, nil, 0, z.acl)
		if err != nil && err != zk.ErrNodeExists {
			return connectionError(err, "failed to create znode "+current)
		}
	}
	return nil
}

func (z *ZooKeeper) TryLock(ctx context.Context, owner string, keys []string) ([]string, error) {
	keys = dedupe(keys)

	var (
		contended []string
		ops       []interface{}
		creates   int
	)
	for _, k := range keys {
		p := z.ks.lockPath(k)
		data, stat, err := z.conn.Get(p)
		switch {
		case err == zk.ErrNoNode:
			ops = append(ops, &zk.CreateRequest{Path: p, Data: []byte(owner), Acl: z.acl, Flags: zk.FlagEphemeral})
			creates++
		case err != nil:
			return nil, connectionError(err, "failed to read lock "+k)
		case string(data) != owner:
			contended = append(contended, k)
		default:
			ops = append(ops, &zk.CheckVersionRequest{Path: p, Version: stat.Version})
		}
	}
	if len(contended) > 0 || creates == 0 {
		return contended, nil
	}

	if _, err := z.conn.Multi(ops...); err != nil {
		if err == zk.ErrNodeExists || err == zk.ErrBadVersion || err == zk.ErrNoNode {
			return z.currentlyContended(owner, keys), nil
		}
		return nil, connectionError(err, "lock multi-op failed")
	}
	return nil, nil
}

func (z *ZooKeeper) currentlyContended(owner string, keys []string) []string {
	var contended []string
	for _, k := range keys {
		data, _, err := z.conn.Get(z.ks.lockPath(k))
		if err == nil && string(data) != owner {
			contended = append(contended, k)
		}
	}
	if len(contended) == 0 {
		return keys
	}
	return contended
}

func (z *ZooKeeper) Unlock(ctx context.Context, owner string, keys []string) error {
	for _, k := range dedupe(keys) {
		p := z.ks.lockPath(k)
		data, stat, err := z.conn.Get(p)
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return connectionError(err, "failed to read lock "+k)
		}
		if string(data) != owner {
			continue
		}
		if err := z.conn.Delete(p, stat.Version); err != nil && err != zk.ErrNoNode {
			return connectionError(err, "failed to release lock "+k)
		}
	}
	return nil
}

func (z *ZooKeeper) LockOwner(ctx context.Context, key string) (string, error) {
	data, _, err := z.conn.Get(z.ks.lockPath(key))
	if err == zk.ErrNoNode {
		return "", nil
	}
	if err != nil {
		return "", connectionError(err, "failed to read lock "+key)
	}
	return string(data), nil
}

func (z *ZooKeeper) LocksHeldBy(ctx context.Context, owner string) ([]string, error) {
	children, _, err := z.conn.Children(z.ks.locksDir())
	if err != nil {
		return nil, connectionError(err, "failed to list locks")
	}
	var keys []string
	for _, child := range children {
		p := z.ks.locksDir() + "/" + child
		data, _, err := z.conn.Get(p)
		if err != nil {
			continue
		}
		if string(data) == owner {
			keys = append(keys, z.ks.lockKey(p))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (z *ZooKeeper) Put(ctx context.Context, name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	p := z.ks.dataPath(name)
	if _, err := z.conn.Set(p, value, -1); err == nil {
		return nil
	} else if err != zk.ErrNoNode {
		return connectionError(err, "failed to set "+name)
	}

	if idx := strings.LastIndex(p, "/"); idx > 0 {
		if err := z.ensurePath(p[:idx]); err != nil {
			return err
		}
	}
	if _, err := z.conn.Create(p, value, 0, z.acl); err != nil {
		if err == zk.ErrNodeExists {
			_, err = z.conn.Set(p, value, -1)
		}
		if err != nil {
			return connectionError(err, "failed to create "+name)
		}
	}
	return nil
}

func (z *ZooKeeper) Get(ctx context.Context, name string) ([]byte, error) {
	data, _, err := z.conn.Get(z.ks.dataPath(name))
	if err == zk.ErrNoNode {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, connectionError(err, "failed to get "+name)
	}
	return data, nil
}

func (z *ZooKeeper) Delete(ctx context.Context, name string) error {
	err := z.conn.Delete(z.ks.dataPath(name), -1)
	if err != nil && err != zk.ErrNoNode {
		return connectionError(err, "failed to delete "+name)
	}
	return nil
}

func (z *ZooKeeper) List(ctx context.Context, dir string) ([]string, error) {
	children, _, err := z.conn.Children(z.ks.dataPath(dir))
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, connectionError(err, "failed to list "+dir)
	}
	sort.Strings(children)
	return children, nil
}

func (z *ZooKeeper) Close() error {
	z.conn.Close()
	return nil
}
