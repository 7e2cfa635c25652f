package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"sdn-guard/internal/archive"
	"sdn-guard/internal/controller"
	"sdn-guard/internal/group"
	"sdn-guard/internal/model"
	"sdn-guard/internal/policy"

	"github.com/gorilla/mux"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Switches handlers
func (s *Server) ListSwitches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Switches().List())
}

func (s *Server) GetSwitch(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.lookupSwitch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"switch":    sw,
		"mac_table": s.ctrl.Switches().MACTable(sw.DatapathID),
	})
}

// ReinstallSwitch repeats the bootstrap of a switch. A device failure
// answers 502 with the switch record so the error is visible.
func (s *Server) ReinstallSwitch(w http.ResponseWriter, r *http.Request) {
	switchID, ok := pathSwitchID(w, r)
	if !ok {
		return
	}
	err := s.ctrl.ReinstallSwitch(r.Context(), switchID)
	if errors.Is(err, controller.ErrUnknownSwitch) {
		writeDomainError(w, err)
		return
	}

	sw, _ := s.ctrl.Switches().Get(switchID)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"switch": sw,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"switch": sw})
}

func (s *Server) GetMeters(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.lookupSwitch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Meters().List(sw.DatapathID))
}

func (s *Server) GetGroups(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.lookupSwitch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Groups().List(sw.DatapathID))
}

func (s *Server) GetRoutes(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.lookupSwitch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Routes(sw.DatapathID))
}

type multipathRequest struct {
	DstIP      string            `json:"dst_ip"`
	Candidates []group.Candidate `json:"candidates"`
}

func (s *Server) SetMultipath(w http.ResponseWriter, r *http.Request) {
	switchID, ok := pathSwitchID(w, r)
	if !ok {
		return
	}
	var req multipathRequest
	if !decodeBody(w, r, &req) {
		return
	}

	route, err := s.ctrl.SetMultipath(r.Context(), switchID, req.DstIP, req.Candidates)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type failoverRequest struct {
	DstIP   string   `json:"dst_ip"`
	Primary uint32   `json:"primary"`
	Backups []uint32 `json:"backups"`
}

func (s *Server) SetFailover(w http.ResponseWriter, r *http.Request) {
	switchID, ok := pathSwitchID(w, r)
	if !ok {
		return
	}
	var req failoverRequest
	if !decodeBody(w, r, &req) {
		return
	}

	route, err := s.ctrl.SetFailover(r.Context(), switchID, req.DstIP, req.Primary, req.Backups)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) RemoveRoute(w http.ResponseWriter, r *http.Request) {
	switchID, ok := pathSwitchID(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.RemoveRoute(r.Context(), switchID, r.URL.Query().Get("dst_ip")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Firewall handlers
func (s *Server) ListFirewallRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Firewall().List())
}

func (s *Server) GetFirewallRule(w http.ResponseWriter, r *http.Request) {
	s.getPolicy(w, r, s.ctrl.Firewall())
}

func (s *Server) CreateFirewallRule(w http.ResponseWriter, r *http.Request) {
	var rule model.PolicyRule
	if !decodeBody(w, r, &rule) {
		return
	}
	result, err := s.ctrl.CreateFirewallRule(r.Context(), rule)
	writeMutation(w, http.StatusCreated, result, err)
}

func (s *Server) UpdateFirewallRule(w http.ResponseWriter, r *http.Request) {
	var rule model.PolicyRule
	if !decodeBody(w, r, &rule) {
		return
	}
	result, err := s.ctrl.UpdateFirewallRule(r.Context(), mux.Vars(r)["id"], rule)
	writeMutation(w, http.StatusOK, result, err)
}

func (s *Server) DeleteFirewallRule(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.DeleteFirewallRule(r.Context(), mux.Vars(r)["id"])
	writeMutation(w, http.StatusOK, result, err)
}

// Slice handlers
func (s *Server) ListSlices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Slices().List())
}

func (s *Server) GetSlice(w http.ResponseWriter, r *http.Request) {
	s.getPolicy(w, r, s.ctrl.Slices())
}

func (s *Server) CreateSlice(w http.ResponseWriter, r *http.Request) {
	var rule model.PolicyRule
	if !decodeBody(w, r, &rule) {
		return
	}
	result, err := s.ctrl.CreateSlice(r.Context(), rule)
	writeMutation(w, http.StatusCreated, result, err)
}

func (s *Server) UpdateSlice(w http.ResponseWriter, r *http.Request) {
	var rule model.PolicyRule
	if !decodeBody(w, r, &rule) {
		return
	}
	result, err := s.ctrl.UpdateSlice(r.Context(), mux.Vars(r)["id"], rule)
	writeMutation(w, http.StatusOK, result, err)
}

func (s *Server) DeleteSlice(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.DeleteSlice(r.Context(), mux.Vars(r)["id"])
	writeMutation(w, http.StatusOK, result, err)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request, store *policy.Store) {
	id := mux.Vars(r)["id"]
	rule, ok := store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Rule not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Statistics handlers
func (s *Server) GetFlowStats(w http.ResponseWriter, r *http.Request) {
	switchID, ok := querySwitchID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Stats().FlowStats(switchID))
}

func (s *Server) GetSamples(w http.ResponseWriter, r *http.Request) {
	flowID := r.URL.Query().Get("flow_id")
	if flowID == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"flows": s.ctrl.Stats().FlowIDs()})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Stats().Samples(flowID))
}

func (s *Server) GetPortStats(w http.ResponseWriter, r *http.Request) {
	switchID, ok := querySwitchID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ports":  s.ctrl.Stats().PortStats(switchID),
		"speeds": s.ctrl.Stats().PortSpeeds(switchID),
		"tables": s.ctrl.Stats().TableStats(switchID),
	})
}

// PollStats polls one switch, or every active switch without switch_id
func (s *Server) PollStats(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("switch_id") == "" {
		sent := s.ctrl.Stats().PollAll(r.Context(), s.ctrl.Switches().ActiveIDs())
		writeJSON(w, http.StatusAccepted, map[string]int{"polled": sent})
		return
	}

	switchID, ok := querySwitchID(w, r)
	if !ok {
		return
	}
	sent, err := s.ctrl.PollSwitch(r.Context(), switchID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"switch_id": switchID, "polled": sent})
}

// Alert handlers
func (s *Server) GetIDSAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.Alerts(model.CategoryIDS, alertLimit(r)))
}

func (s *Server) GetAnomalyAlerts(w http.ResponseWriter, r *http.Request) {
	limit := alertLimit(r)
	if s.detector != nil {
		writeJSON(w, http.StatusOK, s.detector.Alerts(limit))
		return
	}
	writeJSON(w, http.StatusOK, s.alerts.Alerts(model.CategoryAnomaly, limit))
}

func (s *Server) GetAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		writeError(w, http.StatusServiceUnavailable, "Anomaly detection is disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.detector.Status())
}

func (s *Server) ResetAnomaly(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		writeError(w, http.StatusServiceUnavailable, "Anomaly detection is disabled")
		return
	}
	s.detector.Reset()
	writeJSON(w, http.StatusOK, s.detector.Status())
}

// GetArchivedAlerts queries the SQLite archive. since is RFC 3339.
func (s *Server) GetArchivedAlerts(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "Alert archive is disabled")
		return
	}

	q := archive.Query{Category: r.URL.Query().Get("category")}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since: expected RFC 3339 time")
			return
		}
		q.Since = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		q.Limit = limit
	}

	alerts, err := s.archive.Query(q)
	if err != nil {
		s.logger.Errorf("Archive query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Archive query failed")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// Rules handlers
func (s *Server) GetRules(w http.ResponseWriter, r *http.Request) {
	rules := s.rules
	if rules == nil {
		rules = []model.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// System handlers
func (s *Server) GetSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"version":         s.version,
		"go_version":      runtime.Version(),
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"switches":        len(s.ctrl.Switches().IDs()),
		"active_switches": len(s.ctrl.Switches().ActiveIDs()),
		"firewall_rules":  s.ctrl.Firewall().Len(),
		"slices":          s.ctrl.Slices().Len(),
		"ids_alerts":      s.alerts.Count(model.CategoryIDS),
		"stream_clients":  s.alerts.Subscribers(),
		"archive_enabled": s.archive != nil,
		"auth_enabled":    len(s.jwtSecret) > 0,
	}
	if s.detector != nil {
		info["anomaly_mode"] = s.detector.Mode()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) lookupSwitch(w http.ResponseWriter, r *http.Request) (model.Switch, bool) {
	switchID, ok := pathSwitchID(w, r)
	if !ok {
		return model.Switch{}, false
	}
	sw, found := s.ctrl.Switches().Get(switchID)
	if !found {
		writeError(w, http.StatusNotFound, "Switch not found: "+mux.Vars(r)["id"])
		return model.Switch{}, false
	}
	return sw, true
}

// parseSwitchID accepts decimal and 0x-prefixed datapath ids
func parseSwitchID(v string) (uint64, error) {
	return strconv.ParseUint(v, 0, 64)
}

func pathSwitchID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := parseSwitchID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid switch id")
		return 0, false
	}
	return id, true
}

func querySwitchID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	v := r.URL.Query().Get("switch_id")
	if v == "" {
		writeError(w, http.StatusBadRequest, "switch_id is required")
		return 0, false
	}
	id, err := parseSwitchID(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid switch_id")
		return 0, false
	}
	return id, true
}

func alertLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = defaultAlertLimit
	}
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}
	return limit
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeMutation(w http.ResponseWriter, status int, result controller.MutationResult, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, status, result)
}

// writeDomainError maps controller errors to status codes
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  verr.Error(),
			"field":  verr.Field,
			"reason": verr.Reason,
		})
	case errors.Is(err, policy.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrNotFound),
		errors.Is(err, controller.ErrUnknownSwitch),
		errors.Is(err, controller.ErrUnknownRoute):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, group.ErrNoViablePath):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
