package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/gameops/fleetctl/internal/deployment"
	"github.com/gameops/fleetctl/internal/rulestore"
)

// Router builds the gorilla/mux router for the controller's query surface:
// GET /instances, GET /resolve, GET /drift, POST /rules,
// POST /deployments, POST /deployments/{id}/execute,
// POST /deployments/{id}/rollback, plus a /docs Swagger UI over the
// generated OpenAPI spec for this surface.
func (c *Controller) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/instances", c.handleInstances).Methods(http.MethodGet)
	r.HandleFunc("/resolve", c.handleResolve).Methods(http.MethodGet)
	r.HandleFunc("/drift", c.handleDrift).Methods(http.MethodGet)
	r.HandleFunc("/rules", c.handleSetRule).Methods(http.MethodPost)
	r.HandleFunc("/deployments", c.handlePlanDeployment).Methods(http.MethodPost)
	r.HandleFunc("/deployments/{id}/execute", c.handleExecuteDeployment).Methods(http.MethodPost)
	r.HandleFunc("/deployments/{id}/rollback", c.handleRollbackDeployment).Methods(http.MethodPost)
	r.PathPrefix("/docs").Handler(httpSwagger.WrapHandler)
	return r
}

func (c *Controller) handleInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := c.ListInstances(r.Context())
	if err != nil {
		c.writeError(w, http.StatusInternalServerError, err)
		return
	}
	c.writeJSON(w, http.StatusOK, instances)
}

func (c *Controller) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := rulestore.Target{
		ConfigType: rulestore.ConfigType(orDefault(q.Get("config_type"), string(rulestore.ConfigTypeStandard))),
		PluginName: q.Get("plugin"),
		ConfigFile: q.Get("file"),
		ConfigKey:  q.Get("key"),
	}

	resolved, err := c.Resolve(r.Context(), q.Get("instance"), target)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}
	if resolved == nil {
		c.writeJSON(w, http.StatusOK, map[string]any{"value": nil})
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"value": resolved.Value, "rule_id": resolved.Rule.ID})
}

func (c *Controller) handleDrift(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := DriftQuery{InstanceID: q.Get("instance"), Host: q.Get("host")}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.writeError(w, http.StatusBadRequest, err)
			return
		}
		query.Since = t
	}

	pagination, sorting, err := parseReportParams(q)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}

	items, err := c.ScanDrift(r.Context(), query)
	if err != nil {
		c.writeError(w, http.StatusInternalServerError, err)
		return
	}
	page, err := paginateReport(items, pagination, sorting)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}
	c.writeJSON(w, http.StatusOK, page)
}

// parseReportParams reads the page/per_page/sort/order query parameters.
// Absent parameters return nils, leaving paginateReport's defaults (page 1,
// DefaultReportPerPage, detected_at descending) in charge.
func parseReportParams(q url.Values) (*Pagination, *Sorting, error) {
	var pagination *Pagination
	if q.Get("page") != "" || q.Get("per_page") != "" {
		page, err := atoiOr(q.Get("page"), 1)
		if err != nil {
			return nil, nil, fmt.Errorf("controller: bad page: %w", err)
		}
		perPage, err := atoiOr(q.Get("per_page"), DefaultReportPerPage)
		if err != nil {
			return nil, nil, fmt.Errorf("controller: bad per_page: %w", err)
		}
		pagination = &Pagination{Page: page, PerPage: perPage}
	}

	var sorting *Sorting
	if q.Get("sort") != "" || q.Get("order") != "" {
		sorting = &Sorting{
			Field: orDefault(q.Get("sort"), "detected_at"),
			Order: SortOrder(orDefault(q.Get("order"), string(SortOrderDesc))),
		}
	}
	return pagination, sorting, nil
}

func atoiOr(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func (c *Controller) handleSetRule(w http.ResponseWriter, r *http.Request) {
	var rule rulestore.ConfigRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.Active = true

	if err := c.SetRule(r.Context(), &rule); err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}
	c.writeJSON(w, http.StatusCreated, rule)
}

func (c *Controller) handlePlanDeployment(w http.ResponseWriter, r *http.Request) {
	var cs deployment.ChangeSet
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := c.PlanDeployment(r.Context(), cs)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err)
		return
	}
	c.writeJSON(w, http.StatusCreated, d)
}

func (c *Controller) handleExecuteDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := c.ExecuteDeployment(r.Context(), id)
	if err != nil {
		c.writeError(w, http.StatusConflict, err)
		return
	}
	c.writeJSON(w, http.StatusOK, d)
}

func (c *Controller) handleRollbackDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := c.RollbackDeployment(r.Context(), id)
	if err != nil {
		c.writeError(w, http.StatusConflict, err)
		return
	}
	c.writeJSON(w, http.StatusOK, d)
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.Logger.Error("controller: encoding response", "error", err)
	}
}

func (c *Controller) writeError(w http.ResponseWriter, status int, err error) {
	c.Logger.Warn("controller: request failed", "error", err)
	http.Error(w, err.Error(), status)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
