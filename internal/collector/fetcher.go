package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"GapSentinel/internal/model"
)

// Provider fetches raw candles from an upstream market-data source. Rows are
// returned oldest first and are validated by the caller.
type Provider interface {
	FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, lookback int) ([]model.Candle, error)
	Name() string
}

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindPermanent   ErrorKind = "permanent"
)

// FetchError is the typed failure returned for one (symbol, timeframe) pair.
type FetchError struct {
	Kind      ErrorKind
	Symbol    string
	Timeframe model.Timeframe
	Attempts  int
	Err       error
}

func (e *FetchError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("fetch %s@%s: %s after %d attempt(s): %v", e.Symbol, e.Timeframe, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s@%s: %s: %v", e.Symbol, e.Timeframe, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
// Rate limiting is treated as transient.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

func newFetchError(kind ErrorKind, format string, args ...any) *FetchError {
	return &FetchError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classify turns any provider error into a FetchError for the pair.
func classify(err error, symbol string, tf model.Timeframe) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		out := *fe
		out.Symbol, out.Timeframe = symbol, tf
		return &out
	}
	kind := KindPermanent
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr):
		kind = KindTransient
	}
	return &FetchError{Kind: kind, Symbol: symbol, Timeframe: tf, Err: err}
}

// IsNotFound reports whether err is a permanent unknown-symbol failure.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}

// statusError maps an upstream HTTP status to a typed failure.
func statusError(source string, code int, body []byte) *FetchError {
	kind := KindPermanent
	switch {
	case code == http.StatusNotFound:
		kind = KindNotFound
	case code == http.StatusTooManyRequests:
		kind = KindRateLimited
	case code >= 500, code == http.StatusRequestTimeout:
		kind = KindTransient
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return newFetchError(kind, "%s: status %d, body: %s", source, code, string(body))
}
