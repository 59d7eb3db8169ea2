package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/pkg/db/dbtest"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
)

type sqliteTx struct{ conn *gorm.DB }

func (s sqliteTx) Ping(context.Context) error { return nil }

func (s sqliteTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.conn.WithContext(ctx).Transaction(fn)
}

func seedParked(t *testing.T, conn *gorm.DB) models.OutboxEvent {
	t.Helper()
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventAccountBlocked,
		AggregateType: enums.AggregateUser,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{"version":1}`),
		AttemptCount:  10,
	}
	require.NoError(t, outbox.NewRepository(conn).Insert(conn, event))
	msg := "topic not found"
	require.NoError(t, outbox.NewDLQRepository(conn).InsertTx(conn, models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   enums.OutboxDLQReasonNonRetryable,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
	}))
	return event
}

func TestPrintDLQListsOpenEntries(t *testing.T) {
	conn := dbtest.Open(t)
	event := seedParked(t, conn)

	var out bytes.Buffer
	require.NoError(t, printDLQ(context.Background(), outbox.NewDLQRepository(conn), &out, 10))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "EVENT_ID"))
	assert.Contains(t, lines[1], event.ID.String())
	assert.Contains(t, lines[1], "non_retryable")
	assert.Contains(t, lines[1], "topic not found")
}

func TestRequeueDLQResetsRowForPublisher(t *testing.T) {
	conn := dbtest.Open(t)
	event := seedParked(t, conn)
	admin := outbox.NewDLQRepository(conn)

	entry, err := requeueDLQ(context.Background(), sqliteTx{conn: conn}, admin, event.ID.String(), time.Now())
	require.NoError(t, err)
	assert.False(t, entry.Open())

	pending, err := outbox.NewRepository(conn).FetchUnpublishedForPublish(conn, 10, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, event.ID, pending[0].ID)

	_, err = requeueDLQ(context.Background(), sqliteTx{conn: conn}, admin, event.ID.String(), time.Now())
	assert.True(t, errors.Is(err, outbox.ErrDLQEntryNotFound))
}

func TestRequeueDLQRejectsBadID(t *testing.T) {
	conn := dbtest.Open(t)
	_, err := requeueDLQ(context.Background(), sqliteTx{conn: conn}, outbox.NewDLQRepository(conn), "not-a-uuid", time.Now())
	require.Error(t, err)
}
