package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/chatdistill/internal/middleware"
	"github.com/xxxsen/chatdistill/internal/pkg/errcode"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
	"github.com/xxxsen/chatdistill/internal/pkg/response"
)

func getUserID(c *gin.Context) string {
	value, _ := c.Get(middleware.ContextUserIDKey)
	userID, _ := value.(string)
	return userID
}

func errcodeOf(err error) (int, string) {
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		return errcode.ErrUnauthorized, "unauthorized"
	case errors.Is(err, appErr.ErrNotFound):
		return errcode.ErrNotFound, "not found"
	case errors.Is(err, appErr.ErrInvalid):
		return errcode.ErrInvalid, "invalid request"
	case errors.Is(err, appErr.ErrBusy):
		return errcode.ErrBusy, "indexer run already in progress"
	case errors.Is(err, appErr.ErrBatchActive), errors.Is(err, appErr.ErrConflict):
		return errcode.ErrConflict, "conflict"
	case errors.Is(err, appErr.ErrUnavailable):
		return errcode.ErrAIUnavailable, "ai provider unavailable"
	default:
		return errcode.ErrInternal, "internal error"
	}
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("user_id", getUserID(c)),
		zap.Error(err),
	)
	code, msg := errcodeOf(err)
	response.Error(c, code, msg)
}
