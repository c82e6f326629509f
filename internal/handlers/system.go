package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/host"

	"deploywatch/internal/version"
)

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Version reports build metadata and where the process runs.
func Version(c *gin.Context) {
	info := version.Current()
	body := gin.H{
		"version": info.Version,
		"commit":  info.Commit,
		"date":    info.Date,
		"dirty":   info.Dirty,
		"go":      runtime.Version(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
	}
	if up, err := host.UptimeWithContext(c.Request.Context()); err == nil {
		body["host_uptime"] = (time.Duration(up) * time.Second).String()
	}
	c.JSON(http.StatusOK, body)
}
