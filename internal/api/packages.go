package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handlePackageList implements GET /packages, listing every published
// package name known to the check-in tag index (supplemented feature,
// grounded on original_source's package/search.rs).
func (s *Server) handlePackageList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Tags.Names())
}

// handlePackageVersions implements GET /packages/{dep}/versions
// (original_source's package/versions.rs), backed by the same tag
// index check-in Phase 4 populates.
func (s *Server) handlePackageVersions(w http.ResponseWriter, r *http.Request) {
	dep := chi.URLParam(r, "dep")
	writeJSON(w, http.StatusOK, s.Tags.Versions(dep))
}
