package db

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// TxnFunc is the unit of work executed inside a transaction. All reads and
// writes inside must use the provided context so they join the session.
type TxnFunc func(ctx context.Context) error

// WithTransaction runs fn inside a MongoDB transaction. When ctx already
// carries a session, fn joins the caller's transaction instead of opening
// a nested one. When the deployment does not support transactions
// (standalone servers, as used by the test harness), it falls back to
// running fn directly so callers keep working, just without atomicity.
func WithTransaction(ctx context.Context, client *mongo.Client, fn TxnFunc) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	session, err := client.StartSession()
	if err != nil {
		return fn(ctx)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	if err != nil && isTransactionUnsupported(err) {
		return fn(ctx)
	}
	return err
}

func isTransactionUnsupported(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		// 20 = IllegalOperation, raised on standalone deployments.
		if cmdErr.Code == 20 && strings.Contains(cmdErr.Message, "Transaction") {
			return true
		}
	}
	return strings.Contains(err.Error(), "Transaction numbers are only allowed")
}
