package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"driver-state-service/apperrors"
)

func RegisterRoutes(h *Handler) http.Handler {
	router := mux.NewRouter()

	// Driver endpoints. /drivers/nearby is registered first so it is not
	// captured by {driver_id}.
	router.HandleFunc("/drivers/nearby", h.Nearby).Methods("GET")
	router.HandleFunc("/drivers/{driver_id}/working-state", h.ToggleWorkingState).Methods("PUT")
	router.HandleFunc("/drivers/{driver_id}/location", h.PostLocation).Methods("POST")
	router.HandleFunc("/drivers/{driver_id}/presence", h.GetPresence).Methods("GET")
	router.HandleFunc("/drivers/{driver_id}/work-status", h.GetWorkStatus).Methods("GET")

	router.HandleFunc("/healthz", h.Healthz).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, apperrors.NewNotFound("no route for "+r.URL.Path))
	})

	// Add CORS support
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	return handlers.RecoveryHandler(handlers.RecoveryLogger(h.log))(cors(router))
}
