package repository

import (
	"errors"
	"fmt"

	"github.com/okian/elosync/internal/domain/model"
)

// Sentinel errors. ErrNotFound also matches model.ErrNotFound.
var (
	ErrNotFound           = fmt.Errorf("record not found: %w", model.ErrNotFound)
	ErrUnsupportedDialect = errors.New("unsupported sql driver")
)

// storageErr tags err as a storage failure of op.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return model.E(model.KindStorage, "repository."+op, err)
}
