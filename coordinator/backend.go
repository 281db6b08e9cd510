// Package coordinator abstracts the distributed coordination service that
// provides both the lock primitive and the workflow persistence substrate.
//
// Every backend stores two kinds of entries under its prefix: lock keys,
// whose value is the owning workflow id, and data entries, addressed as
// "dir/name" and holding opaque bytes.
package coordinator

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davidroman0O/blockflow/config"
	"github.com/davidroman0O/blockflow/errors"
)

// Backend is implemented by every coordination service
type Backend interface {
	// TryLock takes every key for owner or none of them. Keys that owner
	// already holds count as taken. On contention it returns the keys held
	// by someone else and changes nothing.
	TryLock(ctx context.Context, owner string, keys []string) (contended []string, err error)

	// Unlock releases the keys held by owner. Keys held by someone else are
	// left untouched.
	Unlock(ctx context.Context, owner string, keys []string) error

	// LockOwner returns the owner of key, or "" when the key is free.
	LockOwner(ctx context.Context, key string) (string, error)

	// LocksHeldBy lists the lock keys currently held by owner.
	LocksHeldBy(ctx context.Context, owner string) ([]string, error)

	// Put stores value under name ("dir/entry").
	Put(ctx context.Context, name string, value []byte) error

	// Get returns the value stored under name, or an ErrNotFound error.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes name. Deleting a missing entry is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the entry names directly under dir, sorted.
	List(ctx context.Context, dir string) ([]string, error)

	// Close releases the client connection
	Close() error
}

// Options holds the settings shared by the networked backends
type Options struct {
	Endpoints      []string
	Username       string
	Password       string
	DialTimeout    time.Duration
	SessionTimeout time.Duration
	LeaseTTL       time.Duration
	Prefix         string
	RedisDB        int
	FilePath       string
}

// OptionsFromConfig maps the coordinator section of the configuration
func OptionsFromConfig(cfg config.CoordinatorConfig, leaseTTL time.Duration) Options {
	return Options{
		Endpoints:      cfg.Endpoints,
		Username:       cfg.Username,
		Password:       cfg.Password,
		DialTimeout:    cfg.DialTimeout.Std(),
		SessionTimeout: cfg.SessionTimeout.Std(),
		LeaseTTL:       leaseTTL,
		Prefix:         cfg.Prefix,
		RedisDB:        cfg.RedisDB,
		FilePath:       cfg.FilePath,
	}
}

// Open builds the backend named by cfg.Backend
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	opts := OptionsFromConfig(cfg.Coordinator, cfg.Locks.LeaseTTL.Std())
	switch cfg.Coordinator.Backend {
	case config.BackendMemory, "":
		return NewMemory(), nil
	case config.BackendFile:
		return NewFile(opts.FilePath)
	case config.BackendEtcd:
		return NewEtcd(ctx, opts)
	case config.BackendZooKeeper:
		return NewZooKeeper(opts)
	case config.BackendRedis:
		return NewRedis(ctx, opts)
	default:
		return nil, errors.Newf(errors.ErrConfiguration, "unknown coordinator backend %q", cfg.Coordinator.Backend)
	}
}

// keyspace maps logical lock keys and data names onto backend paths.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = "/blockflow"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) locksDir() string { return k.prefix + "/locks" }

func (k keyspace) dataDir() string { return k.prefix + "/data" }

// lockPath escapes the key so that separators inside it never create
// intermediate nodes.
func (k keyspace) lockPath(key string) string {
	return k.locksDir() + "/" + url.PathEscape(key)
}

func (k keyspace) lockKey(p string) string {
	name := strings.TrimPrefix(p, k.locksDir()+"/")
	key, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return key
}

func (k keyspace) dataPath(name string) string {
	return k.dataDir() + "/" + cleanName(name)
}

func (k keyspace) dataName(p string) string {
	return strings.TrimPrefix(p, k.dataDir()+"/")
}

func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func validateName(name string) error {
	if cleanName(name) == "" {
		return errors.New(errors.ErrInvalidInput, "entry name cannot be empty")
	}
	return nil
}

// dedupe returns the sorted distinct non-empty keys
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// childrenOf filters names to the ones directly under dir.
func childrenOf(dir string, names []string) []string {
	dir = cleanName(dir)
	prefix := dir + "/"
	if dir == "" {
		prefix = ""
	}
	var out []string
	for _, n := range names {
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		rest := strings.TrimPrefix(n, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out
}

func notFound(name string) error {
	return errors.Newf(errors.ErrNotFound, "entry %s not found", name)
}

func connectionError(err error, msg string) error {
	return errors.Wrap(err, errors.ErrConnection, msg)
}
