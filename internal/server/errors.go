package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pders01/storyline/internal/api"
	"github.com/pders01/storyline/internal/outbox"
	"github.com/pders01/storyline/internal/storage"
	"github.com/pders01/storyline/internal/validation"
)

const (
	ErrorCodeValidation  = "validation_error"
	ErrorCodeUnavailable = "storage_unavailable"
	ErrorCodeOffline     = "offline"
	ErrorCodeNoData      = "no_data"
	ErrorCodeUpstream    = "upstream_error"
	ErrorCodeConflict    = "conflict"
	ErrorCodeInternal    = "internal_error"
)

func JSONError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func AbortJSONError(c *gin.Context, status int, code, message string) {
	JSONError(c, status, code, message)
	c.Abort()
}

// abortWith maps an error from the offline layer to a status and code.
func abortWith(c *gin.Context, err error) {
	var attachErr *validation.AttachmentError
	var serverErr *api.ServerError
	switch {
	case errors.As(err, &attachErr):
		AbortJSONError(c, http.StatusBadRequest, ErrorCodeValidation, attachErr.Result.Message)
	case errors.Is(err, outbox.ErrSyncInProgress):
		AbortJSONError(c, http.StatusConflict, ErrorCodeConflict, err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		AbortJSONError(c, http.StatusServiceUnavailable, ErrorCodeUnavailable, err.Error())
	case errors.Is(err, api.ErrNoData):
		AbortJSONError(c, http.StatusGatewayTimeout, ErrorCodeNoData, err.Error())
	case errors.Is(err, api.ErrNetwork):
		AbortJSONError(c, http.StatusServiceUnavailable, ErrorCodeOffline, err.Error())
	case errors.As(err, &serverErr):
		AbortJSONError(c, http.StatusBadGateway, ErrorCodeUpstream, serverErr.Error())
	default:
		AbortJSONError(c, http.StatusInternalServerError, ErrorCodeInternal, err.Error())
	}
}
