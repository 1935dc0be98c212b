package store

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/pqrsync/internal/core"
)

// transientSQLStates are SQLSTATE codes worth retrying. Two-character entries
// match a whole class.
var transientSQLStates = []string{
	"08",    // connection exception
	"40",    // transaction rollback: serialization failure, deadlock
	"53",    // insufficient resources
	"57P01", // admin shutdown
	"57P02", // crash shutdown
	"57P03", // cannot connect now
}

// Classify separates retryable database failures from permanent ones.
// Server-reported errors are decided by SQLSTATE; authentication (28xxx),
// syntax and schema (42xxx), and constraint (23xxx) errors are permanent.
func Classify(err error) core.ErrorClass {
	if err == nil {
		return ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, state := range transientSQLStates {
			if strings.HasPrefix(pgErr.Code, state) {
				return core.ClassTransient
			}
		}
		return core.ClassPermanent
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		pgconn.Timeout(err),
		pgconn.SafeToRetry(err),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return core.ClassTransient
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return core.ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.ClassTransient
	}

	return core.ClassPermanent
}
