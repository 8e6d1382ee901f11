package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/route-negotiator/pkg/control"
	"github.com/morezero/route-negotiator/pkg/dispatcher"
	"github.com/morezero/route-negotiator/pkg/endpoint"
	"github.com/morezero/route-negotiator/pkg/negotiation"
)

const httpLogPrefix = "server:http"

// healthResponse is the /health body.
type healthResponse struct {
	Status    string                           `json:"status"`
	ShoreID   string                           `json:"shoreId"`
	Families  map[string]*control.HealthOutput `json:"families"`
	Traffic   map[string]dispatcher.Stats      `json:"traffic"`
	Endpoints int                              `json:"endpoints"`
	Timestamp string                           `json:"timestamp"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/negotiations", s.handleNegotiations)
	mux.HandleFunc("/unhandled", s.handleUnhandled)
	mux.HandleFunc("/endpoints", s.handleEndpoints)
	return mux
}

func (s *Server) health(ctx context.Context) *healthResponse {
	h := &healthResponse{
		Status:    "healthy",
		ShoreID:   s.cfg.ShoreID,
		Families:  make(map[string]*control.HealthOutput, len(s.families)),
		Traffic:   make(map[string]dispatcher.Stats, len(s.families)),
		Timestamp: s.now().Format(time.RFC3339),
	}
	for _, wf := range s.families {
		fh := wf.service.Health(ctx)
		h.Families[wf.service.Family()] = fh
		if fh.Status != "healthy" {
			h.Status = "unhealthy"
		}
		if wf.stats != nil {
			h.Traffic[wf.service.Family()] = wf.stats()
		}
	}
	if s.endpoints != nil {
		h.Endpoints = len(s.endpoints.Endpoints())
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleNegotiations lists a family's negotiations, or returns one snapshot
// when id is given.
func (s *Server) handleNegotiations(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.familyFromQuery(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var resp *control.Response
	if id := q.Get("id"); id != "" {
		resp = s.call(r.Context(), wf, control.MethodGet, control.GetParams{TransactionID: id})
	} else {
		params := control.ListParams{
			Status:         negotiation.Status(strings.ToUpper(q.Get("status"))),
			CounterpartyID: q.Get("counterparty"),
			UnhandledOnly:  q.Get("unhandled") == "true",
		}
		if raw := q.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
				return
			}
			params.Limit = limit
		}
		resp = s.call(r.Context(), wf, control.MethodList, params)
	}
	writeControl(w, resp)
}

func (s *Server) handleUnhandled(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("family") == "" {
		all := make(map[string]interface{}, len(s.families))
		for _, wf := range s.families {
			resp := s.call(r.Context(), wf, control.MethodUnhandled, nil)
			all[wf.service.Family()] = resp.Result
		}
		writeJSON(w, http.StatusOK, all)
		return
	}
	wf, ok := s.familyFromQuery(w, r)
	if !ok {
		return
	}
	writeControl(w, s.call(r.Context(), wf, control.MethodUnhandled, nil))
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{"endpoints": []endpoint.Endpoint{}}
	if s.endpoints != nil {
		out["endpoints"] = s.endpoints.Endpoints()
		out["refreshedAt"] = s.endpoints.RefreshedAt()
		out["consecutiveFailures"] = s.endpoints.ConsecutiveFailures()
	}
	writeJSON(w, http.StatusOK, out)
}

// familyFromQuery resolves ?family=. With a single family enabled the
// parameter may be omitted.
func (s *Server) familyFromQuery(w http.ResponseWriter, r *http.Request) (*wiredFamily, bool) {
	name := r.URL.Query().Get("family")
	if name == "" && len(s.families) == 1 {
		return s.families[0], true
	}
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "family is required"})
		return nil, false
	}
	for _, wf := range s.families {
		if wf.service.Family() == name {
			return wf, true
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown family %q", name)})
	return nil, false
}

func (s *Server) call(ctx context.Context, wf *wiredFamily, method string, params interface{}) *control.Response {
	req := &control.Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return &control.Response{ID: req.ID, Error: &control.ErrorDetail{Code: control.CodeInvalidRequest, Message: err.Error()}}
		}
		req.Params = raw
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return wf.service.Dispatch(ctx, req)
}

func writeControl(w http.ResponseWriter, resp *control.Response) {
	if resp.Ok {
		writeJSON(w, http.StatusOK, resp.Result)
		return
	}
	status := http.StatusBadRequest
	switch resp.Error.Code {
	case negotiation.CodeNotFound:
		status = http.StatusNotFound
	case negotiation.CodeInternal, negotiation.CodeEngineShutdown:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp.Error)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - json encode: %v", httpLogPrefix, err))
	}
}

// homePageTemplate is the HTML for the negotiator home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Route Negotiator – {{.Health.ShoreID}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 1100px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Route Negotiator</h1>
  <p class="meta">Shore {{.Health.ShoreID}}. Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span> at {{.Health.Timestamp}}.</p>

  {{range .Families}}
  <section>
    <h2>{{.Name}}</h2>
    {{with .Health}}
    <p>Negotiations: <span class="stat">{{.Negotiations}}</span> Unhandled: <span class="stat">{{.Unhandled}}</span> Pending commits: <span class="stat">{{.PendingCommits}}</span></p>
    <p>{{range $name, $ok := .Checks}}{{$name}}: {{if $ok}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}} {{end}}</p>
    {{end}}
    {{if .ListError}}
    <p class="error">Could not load negotiations: {{.ListError}}</p>
    {{else if not .List.Negotiations}}
    <p>No negotiations.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Transaction</th><th>Counterparty</th><th>Origin</th><th>Status</th><th>Handled</th><th>Generation</th><th>Updated</th></tr>
      </thead>
      <tbody>
        {{$family := .Name}}
        {{range .List.Negotiations}}
        <tr>
          <td><a href="/negotiations?family={{$family}}&id={{.TransactionID}}">{{.TransactionID}}</a></td>
          <td>{{.CounterpartyID}}</td>
          <td>{{.Origin}}</td>
          <td>{{.Status}}</td>
          <td>{{if .Handled}}yes{{else}}<span class="error">no</span>{{end}}</td>
          <td>{{.Generation}}</td>
          <td>{{.UpdatedAt.Format "2006-01-02 15:04:05"}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{if gt .List.Total (len .List.Negotiations)}}<p class="meta">Showing {{len .List.Negotiations}} of {{.List.Total}}.</p>{{end}}
    {{end}}
  </section>
  {{end}}

  <section>
    <h2>Counterparties</h2>
    {{if not .Endpoints}}
    <p>No counterparties known.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Counterparty</th><th>Protocol</th><th>Source</th><th>Last seen</th></tr>
      </thead>
      <tbody>
        {{range .Endpoints}}
        <tr>
          <td>{{.CounterpartyID}}</td>
          <td>{{.Protocol}}</td>
          <td>{{if .Static}}seed{{else}}presence{{end}}</td>
          <td>{{.LastSeen.Format "2006-01-02 15:04:05"}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// homeFamily is one family section of the home page.
type homeFamily struct {
	Name      string
	Health    *control.HealthOutput
	List      control.ListOutput
	ListError string
}

// homeData is the data passed to the home page template.
type homeData struct {
	Health    *healthResponse
	Families  []homeFamily
	Endpoints []endpoint.Endpoint
}

// homePageLimit caps the negotiations listed per family on the home page.
const homePageLimit = 100

// handleHome returns an HTTP handler for the negotiator home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.health(ctx)}
		for _, wf := range s.families {
			hf := homeFamily{Name: wf.service.Family(), Health: data.Health.Families[wf.service.Family()]}
			resp := s.call(ctx, wf, control.MethodList, control.ListParams{Limit: homePageLimit})
			switch list, ok := resp.Result.(control.ListOutput); {
			case !resp.Ok:
				hf.ListError = resp.Error.Message
			case !ok:
				hf.ListError = "unexpected list result"
			default:
				hf.List = list
			}
			data.Families = append(data.Families, hf)
		}
		if s.endpoints != nil {
			data.Endpoints = s.endpoints.Endpoints()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
