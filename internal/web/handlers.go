package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camuig/po3-trader/internal/pipeline"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

//go:embed templates/dashboard.html
var templates embed.FS

var dashboard = template.Must(template.ParseFS(templates, "templates/dashboard.html"))

type DashboardData struct {
	Now        time.Time
	Mode       string
	Paused     bool
	DailyPnL   float64
	Contexts   []*po3.Context
	OpenOrders []storage.OrderRecord
	Recent     []storage.OrderRecord
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loc := s.config.Location()
	now := time.Now().In(loc)

	data := DashboardData{
		Now:    now,
		Mode:   strings.ToUpper(s.config.Broker.Provider),
		Paused: s.control.Paused(ctx),
	}
	if s.config.IsSandbox() {
		data.Mode += " SANDBOX"
	}

	if contexts, err := s.contexts.List(ctx, s.config.Instruments); err == nil {
		data.Contexts = contexts
	} else {
		s.logger.Error("list contexts for dashboard", "error", err)
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if pnl, err := s.records.GetTodayPnL(ctx, midnight); err == nil {
		data.DailyPnL = pnl
	}
	if open, err := s.records.ListOpenOrders(ctx); err == nil {
		data.OpenOrders = open
	}
	if recent, err := s.records.GetRecentOrders(ctx, 20); err == nil {
		data.Recent = recent
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboard.Execute(w, data); err != nil {
		s.logger.Error("execute template", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusView struct {
	Paused   bool           `json:"paused"`
	Contexts []*po3.Context `json:"contexts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	contexts, err := s.contexts.List(r.Context(), s.config.Instruments)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusView{Paused: s.control.Paused(r.Context()), Contexts: contexts})
}

func (s *Server) instrument(w http.ResponseWriter, r *http.Request) (string, bool) {
	inst := strings.ToUpper(r.PathValue("instrument"))
	if !s.config.HasInstrument(inst) {
		writeError(w, http.StatusNotFound, "unknown instrument "+inst)
		return "", false
	}
	return inst, true
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instrument(w, r)
	if !ok {
		return
	}
	c, err := s.contexts.Get(r.Context(), inst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instrument(w, r)
	if !ok {
		return
	}
	logs, err := s.records.GetAnalysisLogs(r.Context(), inst, limitParam(r, 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// ForceRequest asks for a forced stage run. Empty Instruments means all.
type ForceRequest struct {
	Stage       string   `json:"stage"`
	Instruments []string `json:"instruments"`
	Wait        bool     `json:"wait"`
}

// ReportView is the wire form of a pipeline.Report.
type ReportView struct {
	Instrument string `json:"instrument"`
	Stage      int    `json:"stage"`
	Trigger    string `json:"trigger"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
	RunID      string `json:"run_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

func viewOf(rep pipeline.Report) ReportView {
	v := ReportView{
		Instrument: rep.Instrument,
		Stage:      int(rep.Stage),
		Trigger:    string(rep.Trigger),
		Action:     string(rep.Verdict.Action),
		Reason:     rep.Verdict.Reason,
		From:       string(rep.From),
		To:         string(rep.To),
		RunID:      rep.RunID,
		Message:    rep.Message,
	}
	if rep.Err != nil {
		v.Error = rep.Err.Error()
	}
	return v
}

type ForceAccepted struct {
	Stage       int      `json:"stage"`
	Instruments []string `json:"instruments"`
}

func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	var req ForceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	stage, err := po3.ParseStage(req.Stage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	insts := s.config.Instruments
	if len(req.Instruments) > 0 && !(len(req.Instruments) == 1 && strings.EqualFold(req.Instruments[0], "all")) {
		insts = make([]string, 0, len(req.Instruments))
		for _, id := range req.Instruments {
			id = strings.ToUpper(strings.TrimSpace(id))
			if !s.config.HasInstrument(id) {
				writeError(w, http.StatusBadRequest, "unknown instrument "+id)
				return
			}
			insts = append(insts, id)
		}
	}

	s.logger.Info("forced run requested over http", "stage", stage.String(), "instruments", insts, "wait", req.Wait)
	if req.Wait {
		// A dropped client must not cancel runs that already hold the lock.
		reports := s.control.Force(context.WithoutCancel(r.Context()), stage, insts...)
		views := make([]ReportView, 0, len(reports))
		for _, rep := range reports {
			views = append(views, viewOf(rep))
		}
		writeJSON(w, http.StatusOK, views)
		return
	}

	base := s.base
	s.spawn(func() { s.control.Force(base, stage, insts...) })
	writeJSON(w, http.StatusAccepted, ForceAccepted{Stage: int(stage), Instruments: insts})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instrument(w, r)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	c, err := s.contexts.Reset(r.Context(), inst, force)
	if errors.Is(err, storage.ErrLocked) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("context reset over http", "instrument", inst, "force", force)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Pause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	var (
		orders []storage.OrderRecord
		err    error
	)
	if r.URL.Query().Get("open") == "true" {
		orders, err = s.records.ListOpenOrders(r.Context())
	} else {
		orders, err = s.records.GetRecentOrders(r.Context(), limitParam(r, 50))
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
