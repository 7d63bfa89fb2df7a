package health

import (
	"encoding/json"
	"net/http"
)

type response struct {
	Status     Status   `json:"status"`
	Subsystems []Status `json:"subsystems"`
}

// Handler serves the aggregate health of a monitor. A healthy or degraded
// system answers 200; unhealthy answers 503 so load balancers stop routing
// new connections here.
func Handler(monitor *Monitor, systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		aggregate := monitor.Aggregate(systemName)

		code := http.StatusOK
		if aggregate.Status == StateUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(response{
			Status:     aggregate,
			Subsystems: monitor.Collect(),
		})
	})
}
