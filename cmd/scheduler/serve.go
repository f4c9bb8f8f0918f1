package main

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
)

// serve runs the HTTP server until Hertz's signal waiter stops it, then runs
// drain. It returns only after drain has returned, so the process never exits
// while workers are still finishing their tasks.
func serve(h *server.Hertz, drain func()) {
	h.Spin()
	hlog.Info("HTTP server stopped, draining the scheduler...")
	drain()
	hlog.Info("Notebook Scheduler gracefully shut down.")
}
