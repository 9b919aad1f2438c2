package http

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/gateway"
	"github.com/c360/fedgate/health"
	"github.com/c360/fedgate/registry"
)

// graphQLRequest is the POST /graphql body.
type graphQLRequest struct {
	Service       string         `json:"service"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	body, status, err := s.readBody(r)
	if err != nil {
		writeGraphQLError(w, status, errors.KindInvalid, "", err.Error())
		return
	}

	var in graphQLRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeGraphQLError(w, http.StatusBadRequest, errors.KindInvalid, "", "request body is not valid JSON")
		return
	}

	service := in.Service
	if service == "" {
		service = r.Header.Get("X-Subgraph")
	}
	if service == "" {
		service = r.PathValue("service")
	}

	resp, err := s.gateway.Execute(r.Context(), gateway.Request{
		Service:       service,
		Query:         in.Query,
		Variables:     in.Variables,
		OperationName: in.OperationName,
		ClientID:      clientID(r),
		Header:        r.Header,
	})
	if err != nil {
		s.logger.Debug("Request failed",
			"service", service,
			"request_id", r.Header.Get("X-Request-ID"),
			"kind", errors.KindOf(err),
			"error", err)
		s.writeExecuteError(w, err)
		return
	}

	if rl := resp.RateLimit; rl != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}
	if resp.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// writeExecuteError renders a pipeline failure. A client error answered by
// the backend is relayed verbatim when it is JSON.
func (s *Server) writeExecuteError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	status := errors.HTTPStatus(err)
	service := errors.ServiceOf(err)

	var ge *errors.GatewayError
	if kind == errors.KindUpstreamError && stderrors.As(err, &ge) &&
		status >= 400 && status < 500 && json.Valid(ge.Body) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(ge.Body)
		return
	}

	writeGraphQLError(w, status, kind, service, errorMessage(kind, service, err))
}

// errorMessage is the client-facing text for kind. Internal detail is only
// exposed for query syntax errors.
func errorMessage(kind errors.Kind, service string, err error) string {
	switch kind {
	case errors.KindInvalid:
		var gqlErr *gqlerror.Error
		if stderrors.As(err, &gqlErr) {
			return gqlErr.Message
		}
		return "invalid request"
	case errors.KindServiceUnresolved:
		return fmt.Sprintf("service %q is not registered", service)
	case errors.KindNoHealthyInstances:
		return fmt.Sprintf("no healthy instances of service %q", service)
	case errors.KindCircuitOpen:
		return fmt.Sprintf("circuit open for service %q", service)
	case errors.KindRateLimitExceeded:
		return "rate limit exceeded"
	case errors.KindRetriesExhausted:
		return fmt.Sprintf("service %q did not answer after retries", service)
	case errors.KindUpstreamError:
		return fmt.Sprintf("service %q returned an error", service)
	case errors.KindStoreUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

// writeGraphQLError writes a GraphQL-style error envelope.
func writeGraphQLError(w http.ResponseWriter, status int, kind errors.Kind, service, message string) {
	e := &gqlerror.Error{
		Message:    message,
		Extensions: map[string]any{"code": string(kind)},
	}
	if service != "" {
		e.Extensions["service"] = service
	}
	writeJSON(w, status, map[string]any{"errors": gqlerror.List{e}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// readBody reads at most MaxRequestSize bytes, reporting 413 past it.
func (s *Server) readBody(r *http.Request) ([]byte, int, error) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize+1))
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("failed to read request body")
	}
	if int64(len(body)) > s.config.MaxRequestSize {
		return nil, http.StatusRequestEntityTooLarge,
			fmt.Errorf("request body exceeds maximum size of %d bytes", s.config.MaxRequestSize)
	}
	return body, http.StatusOK, nil
}

// clientID identifies the caller for rate limiting: X-Client-ID, else the
// remote host.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type healthResponse struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Services  []health.Status `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.gateway.Health()
	services := st.SubStatuses
	if services == nil {
		services = []health.Status{}
	}

	status := http.StatusOK
	if !st.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{
		Status:    st.Status,
		Message:   st.Message,
		Timestamp: st.Timestamp,
		Services:  services,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Metrics())
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.directory.ListAll())
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, status, err := s.readBody(r)
	if err != nil {
		writeGraphQLError(w, status, errors.KindInvalid, name, err.Error())
		return
	}

	var d registry.ServiceDescriptor
	if err := json.Unmarshal(body, &d); err != nil {
		writeGraphQLError(w, http.StatusBadRequest, errors.KindInvalid, name, "descriptor is not valid JSON")
		return
	}
	if d.Name == "" {
		d.Name = name
	}
	if d.Name != name {
		writeGraphQLError(w, http.StatusBadRequest, errors.KindInvalid, name,
			fmt.Sprintf("descriptor name %q does not match path", d.Name))
		return
	}

	if err := s.directory.Register(r.Context(), d); err != nil {
		s.writeExecuteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUnregisterService(w http.ResponseWriter, r *http.Request) {
	if err := s.directory.Unregister(r.Context(), r.PathValue("name")); err != nil {
		s.writeExecuteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
