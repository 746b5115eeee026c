package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/daybreak/internal/capability"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

func (s *Server) listTasks(c *gin.Context) {
	filter := models.TaskFilter{
		RunID:  c.Query("run_id"),
		UserID: c.Query("user_id"),
		Status: models.TaskStatus(c.Query("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		badRequest(c, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	tasks, err := s.store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

type createTaskRequest struct {
	Description string `json:"description" binding:"required,min=3,max=2000"`
	UserID      string `json:"user_id"`
}

// createTask accepts a manual task. It waits, unassigned, for the next run
// of its user.
func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = models.DefaultUserID
	}
	task := &models.Task{
		ID:          capability.NewTaskID(),
		UserID:      req.UserID,
		RunID:       models.UnassignedRunID,
		Description: req.Description,
		Status:      models.TaskStatusPending,
	}
	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("manual task submitted", "task", task.ID, "user", task.UserID)
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (s *Server) deleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteTask(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) listRuns(c *gin.Context) {
	status := models.RunStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		badRequest(c, fmt.Sprintf("unknown status %q", status))
		return
	}
	runs, err := s.store.ListRuns(c.Request.Context(), status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []models.WorkflowRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) getRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.store.GetRun(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	notes, err := s.store.ListAgentState(ctx, run.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{RunID: run.ID})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if notes == nil {
		notes = []models.AgentState{}
	}
	c.JSON(http.StatusOK, gin.H{
		"run":         run,
		"agent_state": notes,
		"counts":      models.CountByStatus(tasks),
	})
}

func (s *Server) history(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			badRequest(c, "days must be an integer between 1 and 365")
			return
		}
		days = n
	}
	history, err := s.store.GetHistory(c.Request.Context(), c.Query("user_id"), days)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if history == nil {
		history = []models.TaskHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "count": len(history), "days": days})
}

type startRunRequest struct {
	UserID          string `json:"user_id"`
	DurationMinutes int    `json:"duration_minutes" binding:"omitempty,min=1,max=1440"`
}

// startRun triggers a run now. With wait=true it answers with the result;
// otherwise it answers 202 with the run id.
func (s *Server) startRun(c *gin.Context) {
	if s.trigger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runs cannot be triggered from this server"})
		return
	}
	var req startRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		res, err := s.trigger.StartRun(c.Request.Context(), req.UserID, req.DurationMinutes, time.Time{})
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": res})
		return
	}

	runID, _, err := s.trigger.StartRunAsync(s.baseCtx, req.UserID, req.DurationMinutes)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": runID})
}
