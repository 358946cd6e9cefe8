package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/eak1mov/go-tilehost/pm"
	"github.com/eak1mov/go-tilehost/tile"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// tile extensions accepted and stripped from the y path segment
var tileExtensions = []string{".pbf", ".mvt"}

func parseTilePath(vars map[string]string) (tile.ID, bool) {
	y := vars["y"]
	for _, ext := range tileExtensions {
		if stripped, ok := strings.CutSuffix(y, ext); ok {
			y = stripped
			break
		}
	}

	zv, errZ := strconv.ParseUint(vars["z"], 10, 32)
	xv, errX := strconv.ParseUint(vars["x"], 10, 32)
	yv, errY := strconv.ParseUint(y, 10, 32)
	if errZ != nil || errX != nil || errY != nil {
		return tile.ID{}, false
	}

	id := tile.ID{X: uint32(xv), Y: uint32(yv), Z: uint32(zv)}
	return id, id.Valid()
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	tileID, ok := parseTilePath(mux.Vars(r))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tile coordinates")
		return
	}

	data, header, err := s.collection.GetTile(r.Context(), tileID)
	if errors.Is(err, pm.ErrTileNotFound) {
		writeError(w, http.StatusNotFound, "tile not found")
		return
	}
	if err != nil {
		s.logger.Error("tilehost: tile read failed",
			"z", tileID.Z, "x", tileID.X, "y", tileID.Y, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read tile")
		return
	}

	if contentType, ok := header.TileType.ContentType(); ok {
		w.Header().Set("Content-Type", contentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if encoding, ok := header.TileCompression.ContentEncoding(); ok {
		w.Header().Set("Content-Encoding", encoding)
	}
	w.Write(data)
}

func (s *Server) handleRegions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.collection.Regions())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
