package handler

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/chatdistill/internal/indexer"
	"github.com/xxxsen/chatdistill/internal/pkg/errcode"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
	"github.com/xxxsen/chatdistill/internal/pkg/response"
)

type IndexerHandler struct {
	indexer *indexer.Service
}

func NewIndexerHandler(svc *indexer.Service) *IndexerHandler {
	return &IndexerHandler{indexer: svc}
}

type runRequest struct {
	Force  bool `json:"force"`
	DryRun bool `json:"dry_run"`
	indexer.Overrides
}

func (r *runRequest) valid() bool {
	return r.TargetTokens >= 0 && r.HardMinTokens >= 0 && r.MaxWaitSeconds >= 0 && r.MaxItemsPerRun >= 0
}

// Run performs one on-demand pass for the caller. Indexing failures are
// reported in the result with status error; only rejected calls use an
// error envelope.
func (h *IndexerHandler) Run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	if !req.valid() {
		response.Error(c, errcode.ErrInvalid, "thresholds must not be negative")
		return
	}
	res, err := h.indexer.Run(c.Request.Context(), getUserID(c), indexer.RunOptions{
		Force:     req.Force,
		DryRun:    req.DryRun,
		Overrides: req.Overrides,
	})
	if err != nil && (res == nil || errors.Is(err, appErr.ErrBusy)) {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *IndexerHandler) State(c *gin.Context) {
	st, err := h.indexer.State(c.Request.Context(), getUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, st)
}
