package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/pkg/db/models"
)

type dlqAdmin interface {
	ListOpen(ctx context.Context, limit int) ([]models.OutboxDLQ, error)
	RequeueTx(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, now time.Time) (*models.OutboxDLQ, error)
}

// printDLQ writes open dlq entries as a table.
func printDLQ(ctx context.Context, admin dlqAdmin, out io.Writer, limit int) error {
	rows, err := admin.ListOpen(ctx, limit)
	if err != nil {
		return fmt.Errorf("list dlq: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT_ID\tTYPE\tAGGREGATE\tREASON\tATTEMPTS\tFAILED_AT\tERROR")
	for _, row := range rows {
		msg := ""
		if row.ErrorMessage != nil {
			msg = *row.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			row.EventID, row.EventType, row.AggregateID, row.ErrorReason,
			row.AttemptCount, row.FailedAt.UTC().Format(time.RFC3339), msg)
	}
	return tw.Flush()
}

// requeueDLQ pushes a parked event back into the outbox inside one transaction.
func requeueDLQ(ctx context.Context, db dbClient, admin dlqAdmin, rawID string, now time.Time) (*models.OutboxDLQ, error) {
	eventID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse event id %q: %w", rawID, err)
	}
	var entry *models.OutboxDLQ
	err = db.WithTx(ctx, func(tx *gorm.DB) error {
		entry, err = admin.RequeueTx(ctx, tx, eventID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", eventID, err)
	}
	return entry, nil
}
