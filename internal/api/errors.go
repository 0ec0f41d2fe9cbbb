package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork means the server could not be reached and nothing local
	// could stand in for the response.
	ErrNetwork = errors.New("network error")

	// ErrNoData means the request failed offline and no cached or stored
	// copy exists.
	ErrNoData = errors.New("offline, no cached data")
)

// ServerError is a response the server produced and rejected.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed (%d)", e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}
