package stream

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// healthResponse reports process-level liveness for the stream server.
type healthResponse struct {
	Status      string  `json:"status"`
	UptimeSec   int64   `json:"uptime_seconds"`
	Subscribers int     `json:"subscribers"`
	CPUPercent  float64 `json:"cpu_percent"`
	RSSBytes    uint64  `json:"rss_bytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		UptimeSec:   int64(time.Since(s.started).Seconds()),
		Subscribers: s.hub.SubscriberCount(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
	} else {
		log.Printf("health: process stats unavailable: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
