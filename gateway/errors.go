package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

// ErrorKind 上游调用失败的分类。
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindConnectionFailed
	KindHTTPError
	KindMalformedResponse
	KindAuthFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionFailed:
		return "connection_failed"
	case KindHTTPError:
		return "http_error"
	case KindMalformedResponse:
		return "malformed_response"
	case KindAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// FetchError 预测服务调用失败。Status 仅在 KindHTTPError/KindAuthFailed 时有意义。
type FetchError struct {
	Kind       ErrorKind
	Status     int
	Op         string
	Instrument string
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Instrument != "" {
		b.WriteString(" ")
		b.WriteString(e.Instrument)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf 取出错误分类；非 FetchError 返回 0。
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsFetchError 判断是否为上游调用失败。
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// transportError 把 http.Client / 限流 / 熔断返回的错误归类。
func transportError(op, id string, err error) *FetchError {
	kind := KindConnectionFailed
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		kind = KindConnectionFailed
	}
	return &FetchError{Kind: kind, Op: op, Instrument: id, Err: err}
}

func statusError(op, id string, status int, msg string) *FetchError {
	kind := KindHTTPError
	if status == 401 || status == 403 {
		kind = KindAuthFailed
	}
	var err error
	if msg != "" {
		err = errors.New(msg)
	}
	return &FetchError{Kind: kind, Status: status, Op: op, Instrument: id, Err: err}
}

func malformed(op, id string, err error) *FetchError {
	return &FetchError{Kind: KindMalformedResponse, Op: op, Instrument: id, Err: err}
}
