package api

import (
	"github.com/cloudwego/hertz/pkg/route"
)

// RegisterRoutes mounts the scheduler REST surface on r.
func RegisterRoutes(r *route.Engine, h *TaskHandler) {
	r.GET("/ping", Ping)

	taskGroup := r.Group("/scheduler")
	{
		taskGroup.GET("", h.GetSchedulerState)
		taskGroup.POST("/tasks", h.CreateTask)
		taskGroup.GET("/tasks", h.GetTasks)
		taskGroup.GET("/tasks/:id", h.GetTaskByID)
	}
	adminGroup := r.Group("/admin")
	adminGroup.POST("/schedules/refresh", h.RefreshSchedules)
}
