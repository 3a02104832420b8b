package api

import (
	"net/http"
	"strconv"

	"github.com/canvas-market/internal/service"
	"github.com/canvas-market/internal/types"
	"github.com/gorilla/mux"
)

// handleAvailability answers whether a rectangle can currently be claimed.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	rect, ok := parseRectQuery(w, r)
	if !ok {
		return
	}

	var excludeID *int64
	if raw := r.URL.Query().Get("excludeId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "excludeId must be an integer", nil)
			return
		}
		excludeID = &id
	}

	result, err := s.placementService.CheckAvailability(r.Context(), rect, excludeID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleReservePlacement claims a rectangle on the canvas.
func (s *Server) handleReservePlacement(w http.ResponseWriter, r *http.Request) {
	var input service.ReservePlacementInput
	if err := parseJSONBody(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body: "+err.Error(), nil)
		return
	}
	if input.Token == "" {
		input.Token = types.TokenSOL
	}

	placement, err := s.placementService.Reserve(r.Context(), &input)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, placement)
}

// handleListPlacements returns all placements currently reserving space.
func (s *Server) handleListPlacements(w http.ResponseWriter, r *http.Request) {
	placements, err := s.placementService.ListLive(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"placements": placements,
		"count":      len(placements),
	})
}

// handleGetPlacement returns one placement by ID.
func (s *Server) handleGetPlacement(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePlacementID(w, r)
	if !ok {
		return
	}

	placement, err := s.placementService.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, placement)
}

// handlePlacementByPosition returns the live placement covering a pixel.
func (s *Server) handlePlacementByPosition(w http.ResponseWriter, r *http.Request) {
	x, okX := parseIntQuery(w, r, "x")
	if !okX {
		return
	}
	y, okY := parseIntQuery(w, r, "y")
	if !okY {
		return
	}

	placement, err := s.placementService.GetByPosition(r.Context(), x, y)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, placement)
}

// handleCancelPlacement releases a placement before payment completes.
func (s *Server) handleCancelPlacement(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePlacementID(w, r)
	if !ok {
		return
	}

	placement, err := s.placementService.Cancel(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, placement)
}

func parsePlacementID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "placement id must be an integer", nil)
		return 0, false
	}
	return id, true
}

func parseIntQuery(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", name+" is required", nil)
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return value, true
}

func parseRectQuery(w http.ResponseWriter, r *http.Request) (types.Rect, bool) {
	x, ok := parseIntQuery(w, r, "x")
	if !ok {
		return types.Rect{}, false
	}
	y, ok := parseIntQuery(w, r, "y")
	if !ok {
		return types.Rect{}, false
	}
	width, ok := parseIntQuery(w, r, "width")
	if !ok {
		return types.Rect{}, false
	}
	height, ok := parseIntQuery(w, r, "height")
	if !ok {
		return types.Rect{}, false
	}
	return types.Rect{X: x, Y: y, Width: width, Height: height}, true
}
