package services

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/mbocsi/fieldhub/routing"
	"github.com/mbocsi/fieldhub/scheduler"
	"github.com/mbocsi/fieldhub/server"
	"github.com/mbocsi/fieldhub/store"
	"github.com/mbocsi/fieldhub/transport"
)

// serviceError classifies err into a ServiceError. Errors that already
// carry a code pass through.
func serviceError(err error, message string) error {
	var se ServiceError
	if errors.As(err, &se) {
		return se
	}
	code := ErrCodeInternal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, routing.ErrDeviceUnroutable), errors.Is(err, transport.ErrUnknownAddress):
		code = ErrCodeUnroutable
	case errors.Is(err, server.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(err, server.ErrRegistrationInProgress):
		code = ErrCodeConflict
	case errors.Is(err, scheduler.ErrInvalidCommand),
		errors.Is(err, server.ErrMissingTarget),
		errors.Is(err, server.ErrMissingAction),
		errors.Is(err, server.ErrNotWhitelisted):
		code = ErrCodeInvalidInput
	}
	return ServiceError{Code: code, Message: message, Cause: err}
}

func notFound(what, id string) error {
	return ServiceError{Code: ErrCodeNotFound, Message: what + " not found: " + id}
}

func invalid(message string) error {
	return ServiceError{Code: ErrCodeInvalidInput, Message: message}
}

func sortDevices(devices []DeviceInfo) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
}
