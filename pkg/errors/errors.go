package errors

import (
    "fmt"
    "net/http"
    "runtime"
    "strings"
)

// ErrorCode is the closed set of error kinds the core returns. A boundary
// adapter (not part of this module) maps each to an HTTP status and a
// {success:false, error, details?} envelope.
type ErrorCode string

const (
    ErrInvalidInput    ErrorCode = "invalid_input"
    ErrNotFound        ErrorCode = "not_found"
    ErrConflict        ErrorCode = "conflict"
    ErrUnauthenticated ErrorCode = "unauthenticated"
    ErrForbidden       ErrorCode = "forbidden"
    ErrUnavailable     ErrorCode = "unavailable"
    ErrTimeout         ErrorCode = "timeout"
    ErrBlockedByPolicy ErrorCode = "blocked_by_policy"
    ErrFatal           ErrorCode = "fatal"
)

type AppError struct {
    Code       ErrorCode
    Message    string
    Err        error
    StatusCode int
    Context    map[string]interface{}
    Stack      string
}

func New(code ErrorCode, message string) *AppError {
    return &AppError{
        Code:       code,
        Message:    message,
        StatusCode: statusFor(code),
        Context:    make(map[string]interface{}),
        Stack:      getStack(),
    }
}

func Wrap(err error, code ErrorCode, message string) *AppError {
    if err == nil {
        return nil
    }

    if appErr, ok := err.(*AppError); ok {
        appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
        return appErr
    }

    return &AppError{
        Code:       code,
        Message:    message,
        Err:        err,
        StatusCode: statusFor(code),
        Context:    make(map[string]interface{}),
        Stack:      getStack(),
    }
}

func (e *AppError) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
    }
    return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
    return e.Err
}

func (e *AppError) WithContext(key string, value interface{}) *AppError {
    e.Context[key] = value
    return e
}

func (e *AppError) WithStatusCode(code int) *AppError {
    e.StatusCode = code
    return e
}

// IsRetryable reports whether a caller may reasonably retry the operation
// that produced this error. Compliance rejections and validation failures
// never are; downstream/transport failures usually are.
func (e *AppError) IsRetryable() bool {
    switch e.Code {
    case ErrUnavailable, ErrTimeout:
        return true
    default:
        return false
    }
}

func statusFor(code ErrorCode) int {
    switch code {
    case ErrInvalidInput:
        return http.StatusBadRequest
    case ErrNotFound:
        return http.StatusNotFound
    case ErrConflict:
        return http.StatusConflict
    case ErrUnauthenticated:
        return http.StatusUnauthorized
    case ErrForbidden:
        return http.StatusForbidden
    case ErrUnavailable:
        return http.StatusServiceUnavailable
    case ErrTimeout:
        return http.StatusGatewayTimeout
    case ErrBlockedByPolicy:
        return http.StatusUnprocessableEntity
    default:
        return http.StatusInternalServerError
    }
}

func getStack() string {
    var pcs [32]uintptr
    n := runtime.Callers(3, pcs[:])

    var builder strings.Builder
    frames := runtime.CallersFrames(pcs[:n])

    for {
        frame, more := frames.Next()
        if !strings.Contains(frame.File, "runtime/") {
            builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
        }
        if !more {
            break
        }
    }

    return builder.String()
}

// Is reports whether err is an *AppError carrying the given code.
func Is(err error, code ErrorCode) bool {
    if err == nil {
        return false
    }

    appErr, ok := err.(*AppError)
    if !ok {
        return false
    }

    return appErr.Code == code
}
