package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rhuss/pforte/pkg/debug"
	"github.com/rhuss/pforte/pkg/tenant"
)

// TenantChannel is the notification channel fed by the tenants trigger.
const TenantChannel = "tenant_status_changed"

type tenantNotification struct {
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
}

// Changes listens on TenantChannel and delivers every tenant status
// change until ctx is done, then closes the returned channel. A lost
// connection is re-established after Config.ListenReconnect.
func (s *Store) Changes(ctx context.Context) <-chan tenant.Change {
	out := make(chan tenant.Change, 64)
	go func() {
		defer close(out)
		for {
			err := s.listen(ctx, out)
			if ctx.Err() != nil {
				return
			}
			slog.Warn("tenant change listener lost, reconnecting",
				"component", "postgres", "error", err, "delay", s.cfg.ListenReconnect)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ListenReconnect):
			}
		}
	}()
	return out
}

func (s *Store) listen(ctx context.Context, out chan<- tenant.Change) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// LISTEN state is per connection; never return it to the pool.
	pgc := conn.Hijack()
	defer pgc.Close(context.Background())

	if _, err := pgc.Exec(ctx, "LISTEN "+TenantChannel); err != nil {
		return err
	}
	debug.Log("tenant", "listening for tenant changes", "channel", TenantChannel)

	for {
		n, err := pgc.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg tenantNotification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil || msg.TenantID == "" {
			slog.Warn("ignoring malformed tenant notification", "component", "postgres", "payload", debug.Payload(n.Payload))
			continue
		}
		select {
		case out <- tenant.Change{TenantID: msg.TenantID, Status: tenant.Status(msg.Status)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
