package log

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	scierrors "github.com/YuminosukeSato/supmoco/pkg/errors"
)

// ErrFmtHandler は ErrAttrKey の属性を持つレコードにスタックトレースとエラー分類を足す slog ハンドラです。
type ErrFmtHandler struct {
	handler slog.Handler
}

// WrapByErrFmtHandler は handler を ErrFmtHandler で包みます。
func WrapByErrFmtHandler(handler slog.Handler) slog.Handler {
	return &ErrFmtHandler{handler: handler}
}

func (eh *ErrFmtHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return eh.handler.Enabled(ctx, l)
}

func (eh *ErrFmtHandler) Handle(ctx context.Context, r slog.Record) error {
	var (
		cause   error
		hasCode bool
	)
	r.Attrs(func(attr slog.Attr) bool {
		switch attr.Key {
		case ErrAttrKey:
			if err, ok := attr.Value.Any().(error); ok {
				cause = err
			}
		case ErrorCodeKey:
			hasCode = true
		}
		return true
	})
	if cause == nil {
		return eh.handler.Handle(ctx, r)
	}
	if st := extractStacktrace(cause); st != "" {
		r.AddAttrs(slog.String(StacktraceAttrKey, st))
	}
	if code := ErrorCode(cause); code != "" && !hasCode {
		r.AddAttrs(slog.String(ErrorCodeKey, code))
	}
	return eh.handler.Handle(ctx, r)
}

func (eh *ErrFmtHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ErrFmtHandler{handler: eh.handler.WithAttrs(attrs)}
}

func (eh *ErrFmtHandler) WithGroup(g string) slog.Handler {
	return &ErrFmtHandler{handler: eh.handler.WithGroup(g)}
}

func extractStacktrace(err error) string {
	safeDetails := errors.GetSafeDetails(err).SafeDetails
	if len(safeDetails) > 0 {
		return safeDetails[0]
	}
	return ""
}

// ErrorCode は err の種類を ErrorCodeKey 用の値にします。分類できなければ空文字列です。
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case scierrors.Is(err, scierrors.ErrNumericalInstability):
		return ErrorNumericalInstability
	case scierrors.Is(err, scierrors.ErrCapacityViolation):
		return ErrorCapacityViolation
	case scierrors.Is(err, scierrors.ErrDimensionMismatch):
		return ErrorDimensionMismatch
	case scierrors.Is(err, scierrors.ErrInvalidConfiguration):
		return ErrorInvalidConfiguration
	case scierrors.Is(err, scierrors.ErrCheckpointNotFound):
		return ErrorCheckpointNotFound
	}
	return ""
}
