package session

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// Handler returns the HTTP stat API of the session
func (s *Session) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stat", s.handleStat).Methods(http.MethodGet)
	api.HandleFunc("/torrents", s.handleTorrents).Methods(http.MethodGet)
	api.HandleFunc("/torrents/{hash}", s.handleTorrent).Methods(http.MethodGet)

	return r
}

func (s *Session) handleStat(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.Stat())
}

func (s *Session) handleTorrents(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.Stat().Torrents)
}

func (s *Session) handleTorrent(rw http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	c, ok := s.Coordinator(hash)
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]string{
			"error": "torrent not found",
		})
		return
	}

	writeJSON(rw, http.StatusOK, c.Stat())
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Access-Control-Allow-Origin", "*")
	rw.WriteHeader(status)
	rw.Write(data)
}
