package store

import (
	"database/sql"
	"errors"

	"github.com/cardano-escrow/orchestrator/internal/ierr"
)

// wrapNoRows turns sql.ErrNoRows into an ierr.NotFound classified error
// carrying what the caller was looking up, instead of leaking the driver
// sentinel past this package's boundary.
func wrapNoRows(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ierr.NotFoundf(format, args...)
	}
	return err
}
