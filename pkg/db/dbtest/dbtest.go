// Package dbtest opens isolated sqlite databases carrying the billing schema.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var seq atomic.Int64

// schema mirrors pkg/migrate/migrations in sqlite dialect.
var schema = []string{
	`CREATE TABLE users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  needs_setup INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME,
  CONSTRAINT ux_users_email UNIQUE (email)
);`,
	`CREATE TABLE entitlements (
  user_id TEXT PRIMARY KEY,
  plan TEXT NOT NULL DEFAULT 'free',
  tier TEXT NOT NULL DEFAULT 'free',
  status TEXT NOT NULL DEFAULT 'inactive',
  current_period_end DATETIME,
  grace_until DATETIME,
  downgraded_at DATETIME,
  is_blocked INTEGER NOT NULL DEFAULT 0,
  blocked_reason TEXT,
  stripe_customer_id TEXT,
  stripe_subscription_id TEXT,
  last_event_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME,
  CHECK (NOT is_blocked OR plan = 'free')
);`,
	`CREATE TABLE credit_wallets (
  user_id TEXT PRIMARY KEY,
  credits_balance INTEGER NOT NULL DEFAULT 0,
  monthly_allowance INTEGER NOT NULL DEFAULT 0,
  last_refill_reference TEXT,
  created_at DATETIME,
  updated_at DATETIME,
  CHECK (credits_balance >= 0)
);`,
	`CREATE TABLE credit_events (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  reference_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  created_at DATETIME,
  CONSTRAINT ux_credit_events_user_reference_type UNIQUE (user_id, reference_id, event_type)
);`,
	`CREATE TABLE stripe_customers (
  stripe_customer_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  email TEXT NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE pending_entitlements (
  email TEXT PRIMARY KEY,
  plan TEXT NOT NULL,
  tier TEXT NOT NULL,
  status TEXT NOT NULL,
  credits_to_grant INTEGER NOT NULL DEFAULT 0,
  stripe_customer_id TEXT NOT NULL,
  stripe_subscription_id TEXT,
  current_period_end DATETIME,
  reason TEXT NOT NULL,
  claimed_at DATETIME,
  claimed_by TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE credit_purchases (
  stripe_session_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  package_id TEXT NOT NULL,
  credits INTEGER NOT NULL,
  amount_paid TEXT NOT NULL DEFAULT '0',
  currency TEXT NOT NULL DEFAULT 'usd',
  payment_intent_id TEXT,
  status TEXT NOT NULL,
  completed_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE credit_ledger_entries (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  delta INTEGER NOT NULL,
  balance_after INTEGER NOT NULL,
  reason TEXT NOT NULL,
  reference_id TEXT NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`,
	`CREATE TABLE outbox_dlq (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME,
  requeued_at DATETIME,
  created_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_outbox_dlq_open_event ON outbox_dlq (event_id) WHERE requeued_at IS NULL;`,
}

// Open returns a fresh in-memory database private to the calling test.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// A shared-cache memory db vanishes with its last connection.
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(0)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}
