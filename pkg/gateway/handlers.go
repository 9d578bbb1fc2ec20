package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hutchhq/hutch/pkg/api"
	"github.com/hutchhq/hutch/pkg/deploy"
	"github.com/hutchhq/hutch/pkg/types"
)

// The REST bodies reuse the wire structs of pkg/api, so both gateways speak
// the same JSON shapes.

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req api.DeployRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.kernel.Deploy(r.Context(), deploy.Request{
		Tenant:  tenantFrom(r.Context()),
		Service: req.Service,
		Code:    req.Code,
		Format:  req.Format,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.HandleResponse{Handle: h})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.kernel.List(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ListResponse{Services: entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.kernel.Status(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["service"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: st})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	graceMs, _ := strconv.ParseInt(q.Get("grace_ms"), 10, 64)
	force, _ := strconv.ParseBool(q.Get("force"))
	err := s.kernel.Kill(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["service"],
		time.Duration(graceMs)*time.Millisecond, force)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req api.SwapRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.kernel.Swap(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["service"],
		req.Code, time.Duration(req.RollbackWindowMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SwapResponse{Result: res})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	var req api.SwapRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.kernel.Replace(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["service"], req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.HandleResponse{Handle: h})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req api.InvokeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reply, err := s.kernel.Invoke(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["service"],
		req.Op, req.Payload, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.InvokeResponse{Reply: reply})
}

type secretBody struct {
	Value []byte `json:"value"`
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	key, err := masterKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body secretBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	err = s.kernel.SetSecret(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["name"], body.Value, key)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	key, err := masterKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	value, err := s.kernel.GetSecret(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["name"], key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SecretResponse{Value: value})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	err := s.kernel.DeleteSecret(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.kernel.ListSecrets(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SecretListResponse{Names: names})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req api.GrantRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, grant, err := s.kernel.GrantCapability(r.Context(), tenantFrom(r.Context()),
		req.Resource, req.Permissions, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.GrantResponse{Token: token, Capability: *grant})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	grant, err := s.kernel.VerifyCapability(r.Context(), tenantFrom(r.Context()),
		req.Token, req.Resource, req.Permission)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.GrantResponse{Capability: *grant})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	err := s.kernel.RevokeCapability(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["token_hash"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req api.AnnounceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.kernel.RegisterService(r.Context(), types.Announcement{
		Tenant:   tenantFrom(r.Context()),
		Name:     req.Name,
		Service:  req.Service,
		Tags:     req.Tags,
		Endpoint: req.Endpoint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	anns, err := s.kernel.GetServices(r.Context(), tenantFrom(r.Context()), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.AnnouncementsResponse{Announcements: anns})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	filters := make(map[string]string)
	for k, vals := range r.URL.Query() {
		if len(vals) > 0 {
			filters[k] = vals[0]
		}
	}
	anns, err := s.kernel.DiscoverService(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["name"], filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.AnnouncementsResponse{Announcements: anns})
}

// handleHealthz is the liveness probe: cheap, unscoped, status-only.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.kernel.Health(r.Context())
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": report.Status})
}

// handleHealth is the full component report.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Report: s.kernel.Health(r.Context())})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.MetricsResponse{Metrics: s.kernel.Metrics()})
}
