package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/mwistrand/aussie-sub005/internal/gwerrors"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

// buildAdminRouter exposes CRUD over service registrations. Every
// operation requires admin credentials and flows through the registry's
// permission checks.
func (s *Server) buildAdminRouter() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/admin/services", s.adminListServices)
	router.HandlerFunc(http.MethodPost, "/admin/services", s.adminRegisterService)
	router.GET("/admin/services/:id", s.adminGetService)
	router.PUT("/admin/services/:id", s.adminUpdateService)
	router.DELETE("/admin/services/:id", s.adminDeleteService)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gwerrors.ErrNotFound.WriteJSON(w)
	})
	return router
}

func (s *Server) adminListServices(w http.ResponseWriter, r *http.Request) {
	if _, gerr := s.adminClaims(r); gerr != nil {
		gerr.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Services())
}

func (s *Server) adminRegisterService(w http.ResponseWriter, r *http.Request) {
	claims, gerr := s.adminClaims(r)
	if gerr != nil {
		gerr.WriteJSON(w)
		return
	}
	var reg registry.ServiceRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		gwerrors.ErrBadRequest.WithDetail("Malformed registration body").WriteJSON(w)
		return
	}
	result, err := s.registry.Register(r.Context(), &reg, claims)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *Server) adminGetService(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, gerr := s.adminClaims(r); gerr != nil {
		gerr.WriteJSON(w)
		return
	}
	svc, err := s.registry.GetService(r.Context(), ps.ByName("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) adminUpdateService(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	claims, gerr := s.adminClaims(r)
	if gerr != nil {
		gerr.WriteJSON(w)
		return
	}
	var reg registry.ServiceRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		gwerrors.ErrBadRequest.WithDetail("Malformed registration body").WriteJSON(w)
		return
	}
	if reg.ServiceID == "" {
		reg.ServiceID = ps.ByName("id")
	}
	if reg.ServiceID != ps.ByName("id") {
		gwerrors.ErrBadRequest.WithDetail("Service ID in body does not match path").WriteJSON(w)
		return
	}
	result, err := s.registry.Register(r.Context(), &reg, claims)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) adminDeleteService(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	claims, gerr := s.adminClaims(r)
	if gerr != nil {
		gerr.WriteJSON(w)
		return
	}
	removed, err := s.registry.Unregister(r.Context(), ps.ByName("id"), claims)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if gerr, ok := gwerrors.AsGatewayError(err); ok {
		gerr.WriteJSON(w)
		return
	}
	if errors.Is(err, registry.ErrServiceMissing) {
		gwerrors.ErrNotFound.WithDetail("Service not found").WriteJSON(w)
		return
	}
	gwerrors.ErrInternalServer.WriteJSON(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
