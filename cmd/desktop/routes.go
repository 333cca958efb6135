package main

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/fieldmap/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/fieldmap/backend/internal/app"
	"github.com/kimhsiao/fieldmap/backend/internal/sync/scheduler"
)

func newRouter(a *app.App, hub *WSHub, sched *scheduler.Scheduler) http.Handler {
	plants := handlers.NewPlantHandler(a.Engine, a.Cache)
	syncH := handlers.NewSyncHandler(a.Engine, a.Queue, a.Signal)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"status":  "ok",
			"service": "fieldmap-desktop",
			"online":  a.Signal.Online(),
			"clients": hub.ClientCount(),
		}
		if sched != nil {
			body["scheduler"] = sched.GetStatus()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	mux.HandleFunc("GET /api/plants", plants.ListPlants)
	mux.HandleFunc("GET /api/plants/{id}", plants.GetPlant)
	mux.HandleFunc("POST /api/plants", plants.CreatePlant)

	mux.HandleFunc("GET /api/sync/status", syncH.GetStatus)
	mux.HandleFunc("GET /api/sync/jobs", syncH.ListJobs)
	mux.HandleFunc("POST /api/sync/replay", syncH.TriggerReplay)
	mux.HandleFunc("POST /api/sync/refresh", syncH.TriggerRefresh)
	mux.HandleFunc("POST /api/sync/jobs/{id}/retry", syncH.RetryJob)
	mux.HandleFunc("PUT /api/sync/online", syncH.SetOnline)

	mux.HandleFunc("GET /ws", HandleWebSocket(hub))

	return mux
}
