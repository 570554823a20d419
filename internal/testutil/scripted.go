// Package testutil provides shared test helpers.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/defra"
)

// ScriptedDefra is a stand-in DefraDB that serves queued GraphQL responses
// in order and records the queries it received, so tests can assert on both
// sides of the exchange.
type ScriptedDefra struct {
	t testing.TB

	mu        sync.Mutex
	responses []map[string]any
	queries   []string
}

// NewScriptedDefra starts an httptest server scripted with the given
// responses and returns a defra client pointed at it. The server is
// torn down via t.Cleanup.
func NewScriptedDefra(t testing.TB, responses ...map[string]any) (*defra.Client, *ScriptedDefra) {
	t.Helper()
	stub := &ScriptedDefra{t: t, responses: responses}
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)
	return defra.NewClient(srv.URL), stub
}

// Handler returns the HTTP handler serving the scripted responses.
func (s *ScriptedDefra) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req defra.GQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.t.Errorf("bad request body: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.queries = append(s.queries, req.Query)
		var data map[string]any
		if len(s.responses) > 0 {
			data = s.responses[0]
			s.responses = s.responses[1:]
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if data == nil {
			s.t.Errorf("unexpected query, nothing scripted: %s", req.Query)
			json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]any{{"message": "no response scripted"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
}

// Enqueue appends more scripted responses.
func (s *ScriptedDefra) Enqueue(responses ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
}

// Queries returns a copy of the queries received so far.
func (s *ScriptedDefra) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queries))
	copy(out, s.queries)
	return out
}
