package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sgerhart/aegisflux/analyzer/internal/analysis"
	"github.com/sgerhart/aegisflux/analyzer/internal/cache"
	"github.com/sgerhart/aegisflux/analyzer/internal/detect"
	"github.com/sgerhart/aegisflux/analyzer/internal/filter"
	"github.com/sgerhart/aegisflux/analyzer/internal/model"
	"github.com/sgerhart/aegisflux/analyzer/internal/records"
	"github.com/sgerhart/aegisflux/analyzer/internal/session"
)

func writeJSON(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, code int) {
	writeJSON(w, map[string]interface{}{
		"error":     err.Error(),
		"timestamp": time.Now().UTC(),
	}, code)
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	var verr *filter.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, filter.ErrUnknownQuickFilter):
		return http.StatusBadRequest
	case errors.Is(err, analysis.ErrAnalysisInFlight), errors.Is(err, filter.ErrSuperseded):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// readDescriptor decodes an optional descriptor body. An empty body selects
// the session's filter.
func (s *Server) readDescriptor(r *http.Request) (filter.Descriptor, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return filter.Descriptor{}, fmt.Errorf("failed to read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s.session.Descriptor(), nil
	}
	return filter.ParseDescriptorJSON(data)
}

func wantGrouped(r *http.Request, def bool) bool {
	v := r.URL.Query().Get("group_by_service")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// handleRecords handles POST /records with an NDJSON body
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadBytes))
	if err != nil {
		writeError(w, fmt.Errorf("failed to read body: %w", err), http.StatusRequestEntityTooLarge)
		return
	}

	recs, err := records.ReadNDJSON(bytes.NewReader(data))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	identity, err := cache.ContentIdentity(bytes.NewReader(data))
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}

	s.SetRecords(recs, identity)
	s.logger.Info("Records loaded", "record_count", len(recs), "file_identity", identity)

	writeJSON(w, map[string]interface{}{
		"count":         len(recs),
		"file_identity": identity,
	}, http.StatusOK)
}

// handleFilter handles POST /filter. A body replaces the session filter.
func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	d, err := s.readDescriptor(r)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	if _, err := s.session.Load(d); err != nil {
		writeError(w, err, statusFor(err))
		return
	}

	refs, _ := s.data.get()
	subset, expr, err := s.svc.Filter(r.Context(), viewTarget, refs, d)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}

	limit := len(subset)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < limit {
			limit = n
		}
	}

	writeJSON(w, map[string]interface{}{
		"count":         len(subset),
		"total":         len(refs),
		"filter_active": expr.Active(),
		"expression":    expr.String(),
		"records":       subset[:limit],
	}, http.StatusOK)
}

// handleAnalyze handles POST /analyze
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	d, err := s.readDescriptor(r)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}

	refs, identity := s.data.get()
	res, err := s.svc.Analyze(r.Context(), analysis.Request{
		Records:        refs,
		Descriptor:     d,
		FileIdentity:   identity,
		GroupByService: wantGrouped(r, s.groupByService),
	})
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	writeJSON(w, res, http.StatusOK)
}

// handleThreats handles GET /threats with optional severity and limit
func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	res, ok := s.svc.Last(false)
	if !ok {
		writeError(w, errors.New("no analysis available"), http.StatusNotFound)
		return
	}

	threats := res.Threats
	if sev := r.URL.Query().Get("severity"); sev != "" {
		floor, err := model.ParseSeverity(sev)
		if err != nil {
			writeError(w, err, http.StatusBadRequest)
			return
		}
		var kept []model.Threat
		for _, t := range threats {
			if t.Severity.AtLeast(floor) {
				kept = append(kept, t)
			}
		}
		threats = kept
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < len(threats) {
			threats = threats[:n]
		}
	}
	if threats == nil {
		threats = []model.Threat{}
	}

	writeJSON(w, map[string]interface{}{
		"analysis_id": res.AnalysisID,
		"threats":     threats,
		"count":       len(threats),
		"timestamp":   res.CompletedAt,
	}, http.StatusOK)
}

// handleGroupedThreats handles GET /threats/grouped
func (s *Server) handleGroupedThreats(w http.ResponseWriter, r *http.Request) {
	res, ok := s.svc.Last(false)
	if !ok {
		writeError(w, errors.New("no analysis available"), http.StatusNotFound)
		return
	}
	grouped := detect.GroupByService(res.Threats)
	if grouped == nil {
		grouped = []model.Threat{}
	}
	writeJSON(w, map[string]interface{}{
		"analysis_id": res.AnalysisID,
		"threats":     grouped,
		"count":       len(grouped),
	}, http.StatusOK)
}

// handleSecurityMetrics handles GET /security-metrics
func (s *Server) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	res, ok := s.svc.Last(false)
	if !ok {
		writeJSON(w, model.SecurityMetrics{}, http.StatusOK)
		return
	}
	writeJSON(w, res.Metrics, http.StatusOK)
}

// handleQuickFilters handles GET /quick-filters
func (s *Server) handleQuickFilters(w http.ResponseWriter, r *http.Request) {
	catalog := filter.Catalog()
	writeJSON(w, map[string]interface{}{
		"quick_filters": catalog,
		"count":         len(catalog),
	}, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	refs, identity := s.data.get()
	s.data.mu.RLock()
	loadedAt := s.data.loadedAt
	s.data.mu.RUnlock()
	writeJSON(w, map[string]interface{}{
		"status":        "healthy",
		"loaded_at":     loadedAt,
		"timestamp":     time.Now().UTC(),
		"record_count":  len(refs),
		"file_identity": identity,
		"in_flight":     s.svc.InFlight(),
	}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	}, http.StatusOK)
}

// chipView is a user-authored chip. Index is the position DELETE
// /session/chips/{side}/{index} takes.
type chipView struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Value   string `json:"value"`
	Invalid string `json:"invalid,omitempty"`
}

type groupView struct {
	Index    int                    `json:"index"`
	Criteria []filter.CriterionSpec `json:"criteria"`
}

// compiledChipView is a chip of the compiled expression, quick-filter and
// OR-mode group chips included
type compiledChipView struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Invalid string `json:"invalid,omitempty"`
}

func chipViews(specs []filter.CriterionSpec) []chipView {
	out := make([]chipView, 0, len(specs))
	for i, spec := range specs {
		v := chipView{Index: i, Field: spec.Field, Value: spec.Value}
		field, err := filter.ParseField(spec.Field)
		if err == nil {
			c := filter.NewCriterion(field, spec.Value, false)
			err = c.Err()
		}
		if err != nil {
			v.Invalid = err.Error()
		}
		out = append(out, v)
	}
	return out
}

func groupViews(groups []filter.GroupSpec) []groupView {
	out := make([]groupView, 0, len(groups))
	for i, g := range groups {
		out = append(out, groupView{Index: i, Criteria: g.Criteria})
	}
	return out
}

func compiledChipViews(chips []filter.Chip) []compiledChipView {
	out := make([]compiledChipView, 0, len(chips))
	for _, c := range chips {
		v := compiledChipView{Field: string(c.Field), Value: c.Value, Kind: c.Kind.String(), Code: c.Code}
		if err := c.Err(); err != nil {
			v.Invalid = err.Error()
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) writeSession(w http.ResponseWriter, change *session.Change) {
	expr := s.session.Expression()
	body := map[string]interface{}{
		"descriptor":       s.session.Descriptor(),
		"expression":       expr.String(),
		"filter_active":    expr.Active(),
		"include_chips":    chipViews(s.session.UserChips(session.Include)),
		"exclude_chips":    chipViews(s.session.UserChips(session.Exclude)),
		"include_groups":   groupViews(s.session.Groups(session.Include)),
		"exclude_groups":   groupViews(s.session.Groups(session.Exclude)),
		"include_compiled": compiledChipViews(s.session.Chips(session.Include)),
		"exclude_compiled": compiledChipViews(s.session.Chips(session.Exclude)),
	}
	if change != nil {
		body["changed"] = change.Any()
	}
	writeJSON(w, body, http.StatusOK)
}

func parseSide(v string) (session.Side, error) {
	switch strings.ToLower(v) {
	case "include":
		return session.Include, nil
	case "exclude":
		return session.Exclude, nil
	}
	return session.Include, &filter.ValidationError{Field: "side", Message: fmt.Sprintf("invalid side %q, must be include/exclude", v)}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.writeSession(w, nil)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	change, err := s.session.Clear()
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	s.writeSession(w, &change)
}

// handleAddChip handles POST /session/chips/{side} with {"field","value"}
func (s *Server) handleAddChip(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	var body filter.CriterionSpec
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("invalid chip: %w", err), http.StatusBadRequest)
		return
	}

	var change session.Change
	if side == session.Exclude {
		change, err = s.session.AddExcludeChip(body.Field, body.Value)
	} else {
		change, err = s.session.AddIncludeChip(body.Field, body.Value)
	}
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	s.writeSession(w, &change)
}

func (s *Server) handleRemoveChip(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, fmt.Errorf("invalid index: %w", err), http.StatusBadRequest)
		return
	}
	change, err := s.session.RemoveChip(side, index)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	s.writeSession(w, &change)
}

// handleAddGroup handles POST /session/groups/{side} with {"criteria":[...]}
func (s *Server) handleAddGroup(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	var group filter.GroupSpec
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		writeError(w, fmt.Errorf("invalid group: %w", err), http.StatusBadRequest)
		return
	}
	change, err := s.session.AddGroup(side, group)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	s.writeSession(w, &change)
}

func (s *Server) handleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, fmt.Errorf("invalid index: %w", err), http.StatusBadRequest)
		return
	}
	change, err := s.session.RemoveGroup(side, index)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	s.writeSession(w, &change)
}

type modeBody struct {
	Mode string `json:"mode"`
}

func readMode(r *http.Request) (string, error) {
	var body modeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid mode body: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(body.Mode)), nil
}

// handleSetMode handles PUT /session/mode/{side} with {"mode":"and"|"or"}
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(chi.URLParam(r, "side"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	mode, err := readMode(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	change, err := s.session.SetMode(side, filter.Mode(mode))
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	s.writeSession(w, &change)
}

// handleSetQuickFilterMode handles PUT /session/quick-filter-mode with
// {"mode":"include"|"exclude"}
func (s *Server) handleSetQuickFilterMode(w http.ResponseWriter, r *http.Request) {
	mode, err := readMode(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	change, err := s.session.SetQuickFilterMode(filter.QuickFilterMode(mode))
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	s.writeSession(w, &change)
}

func (s *Server) handleQuickFilterOn(w http.ResponseWriter, r *http.Request) {
	s.toggleQuickFilter(w, chi.URLParam(r, "code"), true)
}

func (s *Server) handleQuickFilterOff(w http.ResponseWriter, r *http.Request) {
	s.toggleQuickFilter(w, chi.URLParam(r, "code"), false)
}

func (s *Server) toggleQuickFilter(w http.ResponseWriter, code string, on bool) {
	change, err := s.session.SetQuickFilter(code, on)
	if err != nil {
		writeError(w, err, statusFor(err))
		return
	}
	s.writeSession(w, &change)
}
