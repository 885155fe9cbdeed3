package api

import (
	"fmt"
	"net/http"
)

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.eng.Counts(r.Context())
	if err != nil {
		a.writeError(w, r, fmt.Errorf("job counts: %w", err))
		return
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	pool := a.eng.Pool()
	writeJSON(w, http.StatusOK, StatsResponse{
		Jobs:       counts,
		Total:      total,
		Inflight:   pool.Inflight(),
		Capacity:   pool.Size(),
		Transports: a.eng.Transports().Names(),
	})
}

func (a *API) wake(w http.ResponseWriter, _ *http.Request) {
	a.eng.Wake()
	w.WriteHeader(http.StatusAccepted)
}
