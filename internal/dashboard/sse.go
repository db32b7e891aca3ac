package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/trestle/internal/models"
	"gorm.io/gorm"
)

// buildEvent holds data for a build-finished SSE event.
type buildEvent struct {
	ID          uint   `json:"id"`
	Number      int    `json:"number"`
	BuilderName string `json:"builder"`
	WorkerName  string `json:"worker,omitempty"`
	Results     string `json:"results"`
	Synthetic   bool   `json:"synthetic,omitempty"`
}

// handleSSE streams finished builds as server-sent events, polling the
// builds table for completions newer than the last one seen.
func handleSSE(gdb *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Only report builds finishing after the stream opened.
		var lastSeenID uint
		var latest models.Build
		if err := gdb.Where("complete_at IS NOT NULL").
			Order("id DESC").Limit(1).First(&latest).Error; err == nil {
			lastSeenID = latest.ID
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(3 * time.Second)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var finished []models.Build
				gdb.Where("id > ? AND complete_at IS NOT NULL", lastSeenID).
					Order("id ASC").
					Find(&finished)

				for _, b := range finished {
					lastSeenID = b.ID
					writeSSE(c.Writer, "build-finished", buildEvent{
						ID:          b.ID,
						Number:      b.Number,
						BuilderName: b.BuilderName,
						WorkerName:  b.WorkerName,
						Results:     b.Results.String(),
						Synthetic:   b.Synthetic,
					})
				}
				if len(finished) > 0 {
					c.Writer.Flush()
				}
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
