package cdcrelay

import (
	"errors"

	"github.com/romshark/cdcrelay/db"
)

var (
	ErrNotFound          = db.ErrNotFound
	ErrStoreUnavailable  = db.ErrUnavailable
	ErrValidation        = errors.New("validation failed")
	ErrKindNotRegistered = errors.New("kind not registered")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrAlreadyListening  = errors.New("already listening")
	ErrNothingToListenTo = errors.New(
		"database doesn't satisfy Listener interface and polling is disabled",
	)
)
