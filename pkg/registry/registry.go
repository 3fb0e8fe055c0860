// Package registry tracks which RPC public key is reachable behind each live
// transport connection. The mapping lives in the key-value store under a
// single key; one goroutine owns every write to it so concurrent
// connects and disconnects cannot overwrite each other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

var ErrStopped = errors.New("registry: not running")

type opKind int

const (
	opAnnounce opKind = iota
	opRevoke
	opClear
)

type op struct {
	kind        opKind
	transportID string
	rpcKey      string
	reply       chan error
}

type Registry struct {
	store storage.KeyValueStore
	key   string
	log   *zap.SugaredLogger

	ops  chan op
	done chan struct{}
}

// New returns a registry persisting under storage.KeyConnections in store.
// Nothing is written until Run is started.
func New(store storage.KeyValueStore, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		store: store,
		key:   storage.KeyConnections,
		log:   util.OrNop(logger),
		ops:   make(chan op),
		done:  make(chan struct{}),
	}
}

// Run applies mutations one at a time until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-r.ops:
			o.reply <- r.apply(o)
		}
	}
}

func (r *Registry) apply(o op) error {
	conns, err := r.load()
	if err != nil {
		return err
	}

	switch o.kind {
	case opAnnounce:
		if prev, ok := conns[o.transportID]; ok && prev == o.rpcKey {
			return nil
		}
		conns[o.transportID] = o.rpcKey
	case opRevoke:
		if _, ok := conns[o.transportID]; !ok {
			return nil
		}
		delete(conns, o.transportID)
	case opClear:
		conns = map[string]string{}
	}

	if err := r.save(conns); err != nil {
		return err
	}
	r.log.Infow("connections_updated", "op", o.kind.String(), "transport", o.transportID, "count", len(conns))
	return nil
}

func (r *Registry) submit(ctx context.Context, o op) error {
	o.reply = make(chan error, 1)
	select {
	case r.ops <- o:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// the owner always replies once it has taken the op
	return <-o.reply
}

// Announce records that transportID reaches the RPC endpoint rpcKey.
// Repeating an identical announce is a no-op.
func (r *Registry) Announce(ctx context.Context, transportID, rpcKey string) error {
	return r.submit(ctx, op{kind: opAnnounce, transportID: transportID, rpcKey: rpcKey})
}

// Revoke forgets transportID, typically when its connection closed.
func (r *Registry) Revoke(ctx context.Context, transportID string) error {
	return r.submit(ctx, op{kind: opRevoke, transportID: transportID})
}

// Clear drops every entry. Connections do not survive a restart, so the
// node clears what a previous process left behind before accepting peers.
func (r *Registry) Clear(ctx context.Context) error {
	return r.submit(ctx, op{kind: opClear})
}

// ListTargets returns the distinct RPC keys currently reachable, sorted.
func (r *Registry) ListTargets() ([]string, error) {
	conns, err := r.load()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(conns))
	out := make([]string, 0, len(conns))
	for _, k := range conns {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Snapshot returns a copy of the transport -> RPC key mapping.
func (r *Registry) Snapshot() (map[string]string, error) {
	return r.load()
}

// stored form: [[transportID, rpcKey], ...] sorted by transportID
func (r *Registry) load() (map[string]string, error) {
	var pairs [][2]string
	if _, err := storage.GetJSON(r.store, r.key, &pairs); err != nil {
		return nil, fmt.Errorf("load connections: %w", err)
	}
	conns := make(map[string]string, len(pairs))
	for _, p := range pairs {
		conns[p[0]] = p[1]
	}
	return conns, nil
}

func (r *Registry) save(conns map[string]string) error {
	pairs := make([][2]string, 0, len(conns))
	for t, k := range conns {
		pairs = append(pairs, [2]string{t, k})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	if err := storage.PutJSON(r.store, r.key, pairs); err != nil {
		return fmt.Errorf("save connections: %w", err)
	}
	return nil
}

func (k opKind) String() string {
	switch k {
	case opAnnounce:
		return "announce"
	case opRevoke:
		return "revoke"
	default:
		return "clear"
	}
}
