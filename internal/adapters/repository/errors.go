package repository

import (
	"errors"
	"fmt"

	"github.com/okian/reelpulse/internal/domain/model"
)

// Sentinel kinds for repository errors.
var (
	ErrTxConflict     = errors.New("session upsert kept conflicting with concurrent writers")
	ErrCorruptSession = fmt.Errorf("stored session is corrupt: %w", model.ErrUnprocessable)
	ErrWrongType      = fmt.Errorf("key holds the wrong kind of value: %w", model.ErrUnprocessable)
)
