package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"notebook-scheduler/internal/scheduler"
	"notebook-scheduler/internal/task-manager/status"
	"notebook-scheduler/internal/task-worker/executors"
)

// TaskScheduler is the part of the scheduler the REST layer drives.
type TaskScheduler interface {
	SubmitDocument(ctx context.Context, doc []byte) (string, error)
	Status(ctx context.Context, taskID string) (*status.Record, error)
	List(ctx context.Context, state status.State, limit int) ([]*status.Record, error)
	QueueLen() int
	State() scheduler.State
}

// ScheduleRefresher reloads the recurring submissions.
type ScheduleRefresher interface {
	LoadAndSchedule() (int, error)
}

type TaskHandler struct {
	Scheduler TaskScheduler
	Schedules ScheduleRefresher

	// Filled into interactive tasks that omit them.
	DefaultHost       string
	DefaultKernelSpec string
}

func NewTaskHandler(s TaskScheduler, schedules ScheduleRefresher, defaultHost, defaultKernelSpec string) *TaskHandler {
	return &TaskHandler{
		Scheduler:         s,
		Schedules:         schedules,
		DefaultHost:       defaultHost,
		DefaultKernelSpec: defaultKernelSpec,
	}
}

const defaultListLimit = 100

// CreateTask accepts a task document, fills the gateway defaults and submits it.
func (h *TaskHandler) CreateTask(ctx context.Context, c *app.RequestContext) {
	var doc map[string]any
	if err := json.Unmarshal(c.Request.Body(), &doc); err != nil || doc == nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: task must be a JSON object"})
		return
	}
	h.applyDefaults(doc)

	body, err := json.Marshal(doc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to encode task: " + err.Error()})
		return
	}

	id, err := h.Scheduler.SubmitDocument(ctx, body)
	if err != nil {
		var verr *scheduler.ValidationError
		var rerr *scheduler.ResolutionError
		switch {
		case errors.As(err, &verr):
			resp := utils.H{"error": verr.Error()}
			if len(verr.Missing) > 0 {
				resp["missing"] = verr.Missing
			}
			c.JSON(http.StatusBadRequest, resp)
		case errors.As(err, &rerr):
			c.JSON(http.StatusUnprocessableEntity, utils.H{"error": rerr.Error(), "location": rerr.Location})
		default:
			hlog.Errorf("API: task submission failed: %v", err)
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to submit task: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, utils.H{"id": id, "status": "submitted"})
}

// applyDefaults fills host and kernelspec on interactive tasks that carry
// neither field of the pair.
func (h *TaskHandler) applyDefaults(doc map[string]any) {
	if executor, _ := doc["executor"].(string); executor != executors.ExecutorTypeJupyter {
		return
	}
	if h.DefaultHost != "" && isEmpty(doc["host"]) && isEmpty(doc["endpoint"]) {
		doc["host"] = h.DefaultHost
	}
	if h.DefaultKernelSpec != "" && isEmpty(doc["kernelspec"]) && isEmpty(doc["framework"]) {
		doc["kernelspec"] = h.DefaultKernelSpec
	}
}

func isEmpty(v any) bool {
	s, ok := v.(string)
	return v == nil || (ok && s == "")
}

func (h *TaskHandler) GetTaskByID(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	rec, err := h.Scheduler.Status(ctx, id)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			c.JSON(http.StatusNotFound, utils.H{"error": "Task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to retrieve task: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *TaskHandler) GetTasks(ctx context.Context, c *app.RequestContext) {
	state, err := status.ParseState(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid limit: " + v})
			return
		}
		limit = n
	}

	recs, err := h.Scheduler.List(ctx, state, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to list tasks: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{"tasks": recs, "count": len(recs)})
}

// GetSchedulerState reports the lifecycle state and queue depth.
func (h *TaskHandler) GetSchedulerState(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, utils.H{
		"state":       string(h.Scheduler.State()),
		"queue_depth": h.Scheduler.QueueLen(),
	})
}

func (h *TaskHandler) RefreshSchedules(ctx context.Context, c *app.RequestContext) {
	if h.Schedules == nil {
		c.JSON(http.StatusNotFound, utils.H{"error": "Recurring schedules are not enabled"})
		return
	}
	n, err := h.Schedules.LoadAndSchedule()
	if err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": "Failed to refresh schedules: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Schedules refreshed", "scheduled": n})
}

func Ping(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, utils.H{"message": "pong"})
}
