package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/buildforge/foreman/pkg/models"
	"github.com/buildforge/foreman/pkg/store"
)

// CreateProjectRequest is the body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Name             string `json:"name" binding:"required"`
	Spec             string `json:"spec" binding:"required"`
	EpicTestingMode  string `json:"epic_testing_mode"`
	SandboxType      string `json:"sandbox_type"`
	InitializerModel string `json:"initializer_model"`
	CodingModel      string `json:"coding_model"`
}

// InitializeRequest is the body for POST /api/v1/projects/:id/initialize.
// Model overrides the project's configured initializer model.
type InitializeRequest struct {
	Model string `json:"model"`
}

// StartCodingRequest is the body for POST /api/v1/projects/:id/coding/start.
// MaxIterations of zero means unbounded.
type StartCodingRequest struct {
	Model         string `json:"model"`
	MaxIterations int    `json:"max_iterations"`
}

func (s *Server) createProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := s.orch.CreateProject(c.Request.Context(), store.CreateProjectParams{
		Name:             req.Name,
		Spec:             []byte(req.Spec),
		EpicTestingMode:  models.EpicTestingMode(req.EpicTestingMode),
		SandboxType:      models.SandboxType(req.SandboxType),
		InitializerModel: req.InitializerModel,
		CodingModel:      req.CodingModel,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.orch.ListProjects(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) deleteProject(c *gin.Context) {
	counts, err := s.orch.DeleteProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) getStatus(c *gin.Context) {
	status, err := s.orch.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) initialize(c *gin.Context) {
	// An empty body means defaults.
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.orch.Initialize(c.Request.Context(), c.Param("id"), req.Model)
	if err != nil {
		s.respondError(c, err)
		return
	}
	// The session row is returned as recorded, in status "created"; the
	// background loop flips it to "running" after the slot is claimed.
	c.JSON(http.StatusAccepted, sess)
}

func (s *Server) cancelInitialize(c *gin.Context) {
	counts, err := s.orch.CancelInitialize(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "cancelled",
		"epics_deleted": counts.Epics,
		"tasks_deleted": counts.Tasks,
		"tests_deleted": counts.Tests,
	})
}

func (s *Server) startCoding(c *gin.Context) {
	var req StartCodingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxIterations < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_iterations must not be negative"})
		return
	}

	if err := s.orch.StartCoding(c.Request.Context(), c.Param("id"), req.Model, req.MaxIterations); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) stopCoding(c *gin.Context) {
	if err := s.orch.StopCoding(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stop_requested"})
}

func (s *Server) cancelSession(c *gin.Context) {
	if err := s.orch.CancelSession(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancel_requested"})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.orch.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.orch.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) listInterventions(c *gin.Context) {
	includeResolved := c.Query("include_resolved") == "true"
	interventions, err := s.orch.ListInterventions(c.Request.Context(), c.Param("id"), includeResolved)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interventions": interventions})
}

func (s *Server) resolveIntervention(c *gin.Context) {
	intervention, err := s.orch.ResolveIntervention(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intervention)
}
