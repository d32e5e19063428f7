package rls

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// AdminHTTPServer exposes policy administration and policy testing over JSON.
type AdminHTTPServer struct {
	engine *Engine
	router chi.Router
}

// NewAdminHTTPServer mounts the admin routes for engine.
func NewAdminHTTPServer(engine *Engine) *AdminHTTPServer {
	s := &AdminHTTPServer{engine: engine}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Route("/policies", func(r chi.Router) {
		r.Get("/", s.listPolicies)
		r.Post("/", s.createPolicy)
		r.Post("/simulate", s.simulatePolicy)
		r.Get("/{id}", s.getPolicy)
		r.Put("/{id}", s.updatePolicy)
		r.Delete("/{id}", s.deletePolicy)
		r.Get("/{id}/history", s.policyHistory)
	})
	r.Route("/roles", func(r chi.Router) {
		r.Get("/", s.listRoles)
		r.Post("/", s.createRole)
		r.Delete("/{id}", s.deleteRole)
	})
	r.Get("/users/{userID}/roles", s.listUserRoles)
	r.Post("/users/{userID}/roles/{roleID}", s.assignRole)
	r.Delete("/users/{userID}/roles/{roleID}", s.revokeRole)
	r.Get("/settings", s.getSettings)
	r.Put("/settings", s.putSettings)
	r.Post("/evaluate", s.evaluate)
	r.Post("/test", s.testAccess)
	r.Get("/templates", s.listTemplates)
	r.Get("/audit", s.accessLog)

	s.router = r
	return s
}

func (s *AdminHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminHTTPServer) listPolicies(w http.ResponseWriter, r *http.Request) {
	ps, err := s.engine.ListPolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *AdminHTTPServer) createPolicy(w http.ResponseWriter, r *http.Request) {
	var p RLSPolicy
	if !decode(w, r, &p) {
		return
	}
	if err := s.engine.CreatePolicy(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.engine.GetPolicy(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *AdminHTTPServer) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *AdminHTTPServer) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var p RLSPolicy
	if !decode(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.engine.UpdatePolicy(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.engine.GetPolicy(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *AdminHTTPServer) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeletePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminHTTPServer) policyHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.GetPolicyHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type simulateRequest struct {
	Policy  *RLSPolicy        `json:"policy"`
	Request *RLSFilterRequest `json:"request"`
}

func (s *AdminHTTPServer) simulatePolicy(w http.ResponseWriter, r *http.Request) {
	var body simulateRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := s.engine.SimulatePolicy(r.Context(), body.Policy, body.Request)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *AdminHTTPServer) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.engine.ListRoles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *AdminHTTPServer) createRole(w http.ResponseWriter, r *http.Request) {
	var role SecurityRole
	if !decode(w, r, &role) {
		return
	}
	if err := s.engine.CreateRole(r.Context(), &role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *AdminHTTPServer) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteRole(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminHTTPServer) listUserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.engine.ListUserRoles(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *AdminHTTPServer) assignRole(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.AssignRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminHTTPServer) revokeRole(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RevokeRole(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "roleID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminHTTPServer) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetConfiguration())
}

func (s *AdminHTTPServer) putSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.GetConfiguration()
	if !decode(w, r, &cfg) {
		return
	}
	if err := s.engine.SetConfiguration(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *AdminHTTPServer) evaluate(w http.ResponseWriter, r *http.Request) {
	var req RLSFilterRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.engine.EvaluateAccess(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminHTTPServer) testAccess(w http.ResponseWriter, r *http.Request) {
	var req RLSFilterRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.TestAccess(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *AdminHTTPServer) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Templates())
}

func (s *AdminHTTPServer) accessLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := AuditFilter{
		UserID:       q.Get("user_id"),
		ConnectionID: q.Get("connection_id"),
		SchemaName:   q.Get("schema_name"),
		TableName:    q.Get("table_name"),
		Decision:     q.Get("decision"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	entries, err := s.engine.GetAccessLog(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSON(r.Body, v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrPolicyNotFound), errors.Is(err, ErrRoleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidPolicy), errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
