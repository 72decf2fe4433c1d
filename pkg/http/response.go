package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// DataResponse writes API response with status and data. The envelope status
// and the HTTP status are the same.
func DataResponse(c echo.Context, statusCode int, data interface{}) error {
	return c.JSON(statusCode, APIResponse{
		Status:  statusCode,
		Message: http.StatusText(statusCode),
		Data:    data,
	})
}

// ListResponse writes paginated list response.
func ListResponse(c echo.Context, rows interface{}, total int64) error {
	return DataResponse(c, http.StatusOK, &ListDataResponse{
		Rows:  rows,
		Total: total,
	})
}

// SuccessResponse writes success response.
func SuccessResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusOK, data)
}

// AcceptedResponse writes 202 for work that continues in the background.
func AcceptedResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusAccepted, data)
}

// TooManyRequestsResponse writes 429 with a Retry-After hint in seconds.
func TooManyRequestsResponse(c echo.Context, retryAfterSec int, data interface{}) error {
	c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	return DataResponse(c, http.StatusTooManyRequests, data)
}

// ServiceUnavailableResponse writes 503.
func ServiceUnavailableResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusServiceUnavailable, data)
}

// BadRequestResponse writes bad request error.
func BadRequestResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusBadRequest, data)
}

// UnauthorizedResponse writes unauthorized error.
func UnauthorizedResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusUnauthorized, data)
}

// ForbiddenResponse writes forbidden error.
func ForbiddenResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusForbidden, data)
}

// NotFoundResponse writes not found error.
func NotFoundResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusNotFound, data)
}

// InternalServerErrorResponse writes internal server error.
func InternalServerErrorResponse(c echo.Context) error {
	return DataResponse(c, http.StatusInternalServerError, "Something went wrong")
}

// AppErrorResponse writes application error response.
func AppErrorResponse(c echo.Context, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return DataResponse(c, StatusOf(appErr), []*AppError{appErr})
	}
	return InternalServerErrorResponse(c)
}
