package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/buildforge/foreman/pkg/orchestrator"
	"github.com/buildforge/foreman/pkg/store"
)

// respondError maps store/orchestrator errors to HTTP responses. Gating
// refusals carry a stable code and the failing test IDs so clients can act
// on them; unexpected errors are logged and masked.
func (s *Server) respondError(c *gin.Context, err error) {
	var testsErr *store.TestsNotPassingError
	if errors.As(err, &testsErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":            testsErr.Error(),
			"code":             "tests_not_passing",
			"task_id":          testsErr.TaskID,
			"failing_test_ids": testsErr.FailingTestIDs,
		})
		return
	}
	var blockedErr *store.EpicTestBlockedError
	if errors.As(err, &blockedErr) {
		c.JSON(http.StatusConflict, gin.H{
			"error":            blockedErr.Error(),
			"code":             "epic_test_blocked",
			"epic_id":          blockedErr.EpicID,
			"failing_test_ids": blockedErr.FailingTestIDs,
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, store.ErrActiveSession):
		c.JSON(http.StatusConflict, gin.H{"error": "project already has an active session"})
	case errors.Is(err, store.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	case errors.Is(err, store.ErrAlreadyInitialized):
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is already initialized"})
	case errors.Is(err, store.ErrNotInitialized):
		c.JSON(http.StatusBadRequest, gin.H{"error": "project is not initialized"})
	case errors.Is(err, store.ErrInvalidProjectName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "project name must match [a-z0-9_-]+"})
	case errors.Is(err, store.ErrSpecMissing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "spec is required"})
	default:
		s.logger.Error("unexpected error serving request",
			"path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
