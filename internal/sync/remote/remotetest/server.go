// Package remotetest provides an in-memory backend speaking the remote
// envelope protocol, for tests of the sync stack.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/sync/remote"
)

// Request is one recorded call.
type Request struct {
	Method         string
	Path           string
	IdempotencyKey string
}

// Server is an httptest server holding records per entity kind.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	records     map[models.EntityKind]map[string]map[string]interface{}
	requests    []Request
	failures    []int
	unavailable bool
	assignIDs   bool
	nextID      int
	lastStamp   time.Time
	now         func() time.Time
}

// NewServer starts a backend. Close it with Server.Close.
func NewServer() *Server {
	s := &Server{
		records: make(map[models.EntityKind]map[string]map[string]interface{}),
		now:     time.Now,
	}
	r := chi.NewRouter()
	r.Use(s.record)
	r.Get(remote.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, remote.Envelope{Success: true})
	})
	for _, kind := range models.Kinds() {
		kind := kind
		r.Route(kind.Endpoint(), func(r chi.Router) {
			r.Get("/", s.list(kind))
			r.Post("/", s.create(kind))
			r.Get("/{id}", s.get(kind))
			r.Put("/{id}", s.update(kind))
			r.Delete("/{id}", s.remove(kind))
		})
	}
	s.Server = httptest.NewServer(r)
	return s
}

// SetClock replaces the time source used for updated_at stamps.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AssignIDs makes creates return a server-generated id.
func (s *Server) AssignIDs(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignIDs = on
}

// FailNext makes the next requests answer with the given statuses in order.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// SetUnavailable makes every request except health checks answer 503.
func (s *Server) SetUnavailable(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = on
}

// Seed stores p as the server copy, keeping its updated_at.
func (s *Server) Seed(p models.Payload) {
	fields := toFields(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(p.Kind())[p.RecordID()] = fields
}

// Record returns the server copy of a record.
func (s *Server) Record(kind models.EntityKind, id string) (models.Payload, bool) {
	s.mu.Lock()
	fields, ok := s.table(kind)[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	raw, _ := json.Marshal(fields)
	p, err := models.DecodeRecord(kind, raw)
	if err != nil {
		return nil, false
	}
	return p, true
}

// Count returns the number of records of a kind.
func (s *Server) Count(kind models.EntityKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(kind))
}

// Requests returns the recorded calls, health checks excluded.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestCount counts recorded calls with the given method.
func (s *Server) RequestCount(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == remote.HealthPath {
			next.ServeHTTP(w, r)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:         r.Method,
			Path:           r.URL.Path,
			IdempotencyKey: r.Header.Get(remote.IdempotencyHeader),
		})
		status := 0
		if len(s.failures) > 0 {
			status, s.failures = s.failures[0], s.failures[1:]
		} else if s.unavailable {
			status = http.StatusServiceUnavailable
		}
		s.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, remote.Envelope{Error: http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) list(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		ids := make([]string, 0, len(s.table(kind)))
		for id := range s.table(kind) {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			out = append(out, s.table(kind)[id])
		}
		s.mu.Unlock()
		writeData(w, http.StatusOK, out)
	}
}

func (s *Server) get(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fields, ok := s.table(kind)[chi.URLParam(r, "id")]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, remote.Envelope{Error: "record not found"})
			return
		}
		writeData(w, http.StatusOK, fields)
	}
}

func (s *Server) create(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeJSON(w, http.StatusBadRequest, remote.Envelope{Error: err.Error()})
			return
		}
		s.mu.Lock()
		if s.assignIDs {
			s.nextID++
			fields["id"] = fmt.Sprintf("srv-%d", s.nextID)
		}
		id, _ := fields["id"].(string)
		stamp := s.stampLocked()
		fields["created_at"] = stamp
		fields["updated_at"] = stamp
		s.table(kind)[id] = fields
		s.mu.Unlock()
		writeData(w, http.StatusCreated, fields)
	}
}

func (s *Server) update(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var fields map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeJSON(w, http.StatusBadRequest, remote.Envelope{Error: err.Error()})
			return
		}
		s.mu.Lock()
		prev, ok := s.table(kind)[id]
		if !ok {
			s.mu.Unlock()
			writeJSON(w, http.StatusNotFound, remote.Envelope{Error: "record not found"})
			return
		}
		fields["id"] = id
		fields["created_at"] = prev["created_at"]
		fields["updated_at"] = s.stampLocked()
		s.table(kind)[id] = fields
		s.mu.Unlock()
		writeData(w, http.StatusOK, fields)
	}
}

func (s *Server) remove(kind models.EntityKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		_, ok := s.table(kind)[id]
		delete(s.table(kind), id)
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, remote.Envelope{Error: "record not found"})
			return
		}
		writeJSON(w, http.StatusOK, remote.Envelope{Success: true})
	}
}

// stampLocked returns a strictly increasing timestamp.
func (s *Server) stampLocked() string {
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Millisecond)
	}
	s.lastStamp = t
	return t.Format(time.RFC3339Nano)
}

func (s *Server) table(kind models.EntityKind) map[string]map[string]interface{} {
	t, ok := s.records[kind]
	if !ok {
		t = make(map[string]map[string]interface{})
		s.records[kind] = t
	}
	return t
}

func toFields(p models.Payload) map[string]interface{} {
	raw, _ := json.Marshal(p)
	var fields map[string]interface{}
	_ = json.Unmarshal(raw, &fields)
	return fields
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, remote.Envelope{Error: err.Error()})
		return
	}
	writeJSON(w, status, remote.Envelope{Success: true, Data: raw})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
