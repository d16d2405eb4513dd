package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// publishSSE drains a run's event channel into an SSE response. Idle gaps
// are bridged with comment heartbeats so proxies keep the connection
// open; a closed channel or a gone client ends the stream. The HTTP
// status is already committed when the first byte goes out, so faults
// after that point arrive as in-stream events, never as a status change.
func publishSSE(c *gin.Context, events <-chan v1.StreamEvent, heartbeat time.Duration, log *logger.Logger) {
	if log == nil {
		log = logger.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	idle := time.NewTimer(heartbeat)
	defer idle.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			log.WithContext(c.Request.Context()).Debug("sse client disconnected")
			return

		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSEEvent(c, event); err != nil {
				log.WithContext(c.Request.Context()).Debug("sse write failed", zap.Error(err))
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(heartbeat)

		case <-idle.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
			idle.Reset(heartbeat)
		}
	}
}

func writeSSEEvent(c *gin.Context, event v1.StreamEvent) error {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Event, payload); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
