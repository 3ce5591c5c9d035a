package lifecycle

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ao/swarmhost/internal/spec"
	"github.com/ao/swarmhost/internal/storage"
	"github.com/ao/swarmhost/pkg/api"
)

var (
	// ErrConflict is returned when another lifecycle operation is running
	ErrConflict = errors.New("another application operation is in progress")
	// ErrCriticalDB is returned when an installed app could not be recorded
	ErrCriticalDB = errors.New("critical database failure")
	// ErrInsufficientSpace is returned when no volume can hold an app
	ErrInsufficientSpace = storage.ErrInsufficientSpace
	// ErrAlreadyInstalled is returned when installing an app twice
	ErrAlreadyInstalled = errors.New("application is already installed")
	// ErrNotInstalled is returned for operations on unknown local apps
	ErrNotInstalled = errors.New("application is not installed")
	// ErrInstancesReached is returned when enough nodes already run the app
	ErrInstancesReached = errors.New("application already runs on enough nodes")
	// ErrInsufficientHardware is returned when the node tier cannot host the app
	ErrInsufficientHardware = errors.New("insufficient node hardware")
	// ErrNodeNotSelected is returned when the app is pinned to other nodes
	ErrNodeNotSelected = errors.New("application is pinned to other nodes")
	// ErrIncompatibleUpdate is returned for updates that break the app identity
	ErrIncompatibleUpdate = errors.New("incompatible application update")
	// ErrNoDecrypter is returned for enterprise apps without a decryption service
	ErrNoDecrypter = errors.New("no enterprise decryption service configured")
)

// ConflictError names the operation that blocked a request
type ConflictError struct {
	Active    Operation
	Requested Operation
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot start %s: %s in progress", e.Requested, e.Active)
}

// Is makes ConflictError match ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Response converts an operation result into a status API envelope
func Response(name string, err error) api.Response {
	if err == nil {
		return api.Success(api.Progress{Status: "done", Name: name})
	}

	var validation *spec.ValidationError
	switch {
	case errors.As(err, &validation):
		return api.Failure(http.StatusBadRequest, "ValidationError", err.Error())
	case errors.Is(err, ErrConflict):
		return api.Failure(http.StatusConflict, "ConflictError", err.Error())
	case errors.Is(err, ErrInsufficientSpace):
		return api.Failure(http.StatusInsufficientStorage, "InsufficientSpace", err.Error())
	case errors.Is(err, ErrCriticalDB):
		return api.Failure(http.StatusInternalServerError, "CriticalDbFailure", err.Error())
	case errors.Is(err, ErrNotInstalled):
		return api.Failure(http.StatusNotFound, "NotInstalled", err.Error())
	case errors.Is(err, ErrAlreadyInstalled),
		errors.Is(err, ErrInstancesReached),
		errors.Is(err, ErrInsufficientHardware),
		errors.Is(err, ErrNodeNotSelected),
		errors.Is(err, ErrIncompatibleUpdate):
		return api.Failure(http.StatusUnprocessableEntity, "RequirementsNotMet", err.Error())
	}
	return api.Failure(http.StatusInternalServerError, "Error", err.Error())
}
