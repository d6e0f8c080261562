package objstore

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

// AppendLine appends data to key, creating an appendable object when none
// exists. True append is always attempted first; only an object previously
// written as immutable triggers the read-then-rewrite substitute.
func AppendLine(ctx context.Context, s Store, key string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := s.Stat(ctx, key); err != nil {
		if !appErr.IsNotFound(err) {
			return fmt.Errorf("stat %s: %w", key, err)
		}
		if err := s.CreateAppendable(ctx, key); err != nil && !appErr.IsConflict(err) {
			return fmt.Errorf("create %s: %w", key, err)
		}
	}
	err := s.Append(ctx, key, data)
	if err == nil {
		return nil
	}
	if !appErr.IsNotAppendable(err) {
		return fmt.Errorf("append %s: %w", key, err)
	}
	logutil.GetLogger(ctx).Debug("object not appendable, rewriting",
		zap.String("key", key), zap.String("store", s.Type()))
	return rewriteAppend(ctx, s, key, data)
}

func rewriteAppend(ctx context.Context, s Store, key string, data []byte) error {
	var existing []byte
	info, err := s.Stat(ctx, key)
	switch {
	case err == nil:
		existing, err = s.Read(ctx, key, 0, info.Size)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if int64(len(existing)) != info.Size {
			return fmt.Errorf("read %s: short read %d/%d", key, len(existing), info.Size)
		}
	case appErr.IsNotFound(err):
	default:
		return fmt.Errorf("stat %s: %w", key, err)
	}
	merged := make([]byte, 0, len(existing)+len(data))
	merged = append(merged, existing...)
	merged = append(merged, data...)
	if err := s.Write(ctx, key, merged); err != nil {
		return fmt.Errorf("rewrite %s: %w", key, err)
	}
	return nil
}
