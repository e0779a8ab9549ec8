// Package partition implements the Partition Guard (PG, §4.8): on a
// driver leave, probe every other in_cluster member's reachability and
// fail-stop if a majority is gone, rather than risk split-brain.
package partition

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/distsheep/sheepd/pkg/cluster"
	"github.com/distsheep/sheepd/pkg/log"
)

// Dialer probes one peer's reachability. The zero value uses net.Dialer;
// tests substitute a fake to avoid real sockets.
type Dialer func(ctx context.Context, addr string) error

func defaultDialer(ctx context.Context, addr string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Abort is called when the guard decides to fail-stop. The default
// wiring in pkg/sheep is os.Exit(1); tests inject a recorder instead.
type Abort func(reason string)

// Guard runs the §4.8 majority-reachability check.
type Guard struct {
	dial    Dialer
	timeout time.Duration
	abort   Abort
	log     *zap.Logger
}

// New builds a Guard. A nil dial defaults to a real TCP dial.
func New(dial Dialer, timeout time.Duration, abort Abort) *Guard {
	if dial == nil {
		dial = defaultDialer
	}
	return &Guard{dial: dial, timeout: timeout, abort: abort, log: log.Named("partition")}
}

// CheckOnLeave implements §4.8. n is |in_cluster| as it stood just
// before left departed (left still counted in n); others is every
// remaining member other than this node and left — exactly the peers
// to dial. n<3 skips the check entirely, since a 2-node cluster can
// never retain a TCP-reachable majority of itself after either side
// leaves.
func (g *Guard) CheckOnLeave(ctx context.Context, n int, left cluster.NodeEntry, others []cluster.NodeEntry) {
	if n < 3 {
		return
	}

	reachable := g.countReachable(ctx, others)
	required := n/2 + 1
	g.log.Debug("partition guard check",
		zap.String("left", left.String()),
		zap.Int("reachable", reachable),
		zap.Int("required", required),
		zap.Int("n", n))

	if reachable < required {
		g.abort("partition guard: lost contact with a majority of in_cluster members")
	}
}

func (g *Guard) countReachable(ctx context.Context, members []cluster.NodeEntry) int {
	reachable := 1 // this node counts as reachable to itself
	for _, m := range members {
		dialCtx, cancel := context.WithTimeout(ctx, g.timeout)
		addr := net.JoinHostPort(net.IP(m.Addr[:]).String(), strconv.Itoa(int(m.Port)))
		err := g.dial(dialCtx, addr)
		cancel()
		if err == nil {
			reachable++
		} else {
			g.log.Debug("partition guard: peer unreachable", zap.String("peer", m.String()), zap.Error(err))
		}
	}
	return reachable
}
