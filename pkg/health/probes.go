package health

import (
	"context"
	"fmt"
	"net"

	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/storage"
)

// StoreProbe watches the event store's append path. The store keeps serving
// reads after a persistence failure, so the probe is what surfaces the
// degradation to operators.
func StoreProbe(st *events.Store) Probe {
	return func(ctx context.Context) error {
		if st.Degraded() {
			return fmt.Errorf("event log degraded: appends are no longer persisted")
		}
		return nil
	}
}

// BoltProbe answers whether the vault database still serves reads.
func BoltProbe(bs *storage.BoltStore) Probe {
	return func(ctx context.Context) error {
		return bs.Ping()
	}
}

// TCPProbe dials addr and reports whether anything accepts. Each gateway
// registers one against the other's listen address, so a /healthz answer
// covers both surfaces.
func TCPProbe(addr string) Probe {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn.Close()
	}
}
