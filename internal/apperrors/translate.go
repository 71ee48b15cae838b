package apperrors

import (
	"errors"

	"gorm.io/gorm"
)

// Translate maps store errors onto the taxonomy. Already classified errors pass through.
func Translate(err error, resource string) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Wrap(KindNotFound, resource+" not found", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return Wrap(KindValidation, "Resource already exists", err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return Wrap(KindValidation, "Invalid reference", err)
	default:
		return Database("Database operation failed", err).WithContext("resource", resource)
	}
}
