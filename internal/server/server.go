// Package server exposes the flow cache over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/query"
	"github.com/skupperproject/flowcache/pkg/flowcache/store"
	"github.com/skupperproject/flowcache/pkg/flowcache/synchronizer"
)

const (
	// Prefix is the base path of every API route.
	Prefix = "/api/v1alpha1"

	defaultQueryTimeout = 10 * time.Second
	maxBodyBytes        = 1 << 20
)

type Store interface {
	AddFlow(db string, sw flowcache.DPID, cookie uint64, priority uint16, match flowcache.Match, actions []flowcache.Action) (flowcache.Record, error)
	RemoveFlow(db string, sw flowcache.DPID, cookie uint64, priority uint16, match flowcache.Match) (bool, error)
	GetAllFlows(db string) (map[flowcache.DPID][]flowcache.Record, error)
	GetFlows(db string, sw flowcache.DPID) ([]flowcache.Record, error)
	Databases() []string
	Confirm(db string, sw flowcache.DPID, key flowcache.Key) (flowcache.Record, error)
	SetPathID(db string, sw flowcache.DPID, key flowcache.Key, id uint64) (flowcache.Record, error)
}

var _ Store = (*store.Store)(nil)

type Querier interface {
	Query(q query.Query) (*query.Future, error)
	Policy() query.StalenessPolicy
}

type Refresher interface {
	RefreshSwitch(sw flowcache.DPID) error
	RefreshAllSwitches()
}

// Fleet lists the switches known to the cache.
type Fleet interface {
	List() []synchronizer.SwitchInfo
}

type Options struct {
	Store     Store
	Engine    Querier
	Refresher Refresher
	Fleet     Fleet
	Logger    *slog.Logger
}

type Server struct {
	store     Store
	engine    Querier
	refresher Refresher
	fleet     Fleet
	logger    *slog.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		store:     opts.Store,
		engine:    opts.Engine,
		refresher: opts.Refresher,
		fleet:     opts.Fleet,
		logger:    opts.Logger.With(slog.String("component", "api")),
	}
}

// Handler returns a router serving the API under Prefix.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	s.Register(router)
	return router
}

// Register adds the API routes to router.
func (s *Server) Register(router *mux.Router) {
	api := router.PathPrefix(Prefix).Subrouter()
	api.HandleFunc("/databases", s.listDatabases).Methods(http.MethodGet)
	api.HandleFunc("/databases/{db}/flows", s.listDatabaseFlows).Methods(http.MethodGet)

	flows := api.PathPrefix("/databases/{db}/switches/{dpid}/flows").Subrouter()
	flows.HandleFunc("", s.listSwitchFlows).Methods(http.MethodGet)
	flows.HandleFunc("", s.addFlow).Methods(http.MethodPost)
	flows.HandleFunc("", s.removeFlow).Methods(http.MethodDelete)
	flows.HandleFunc("/confirm", s.confirmFlow).Methods(http.MethodPost)
	flows.HandleFunc("/path", s.setPath).Methods(http.MethodPut)

	api.HandleFunc("/query", s.runQuery).Methods(http.MethodPost)

	api.HandleFunc("/switches", s.listSwitches).Methods(http.MethodGet)
	api.HandleFunc("/switches/refresh", s.refreshAll).Methods(http.MethodPost)
	api.HandleFunc("/switches/{dpid}/refresh", s.refreshSwitch).Methods(http.MethodPost)

	api.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, fmt.Errorf("%w: %s", flowcache.ErrNotFound, r.URL.Path))
	})
}

// FlowRequest identifies a flow by its key. Actions are only read when
// adding.
type FlowRequest struct {
	flowcache.Key
	Actions []flowcache.Action `json:"actions"`
}

type PathRequest struct {
	flowcache.Key
	PathID uint64 `json:"pathId"`
}

type DatabaseList struct {
	Databases []string `json:"databases"`
}

type DatabaseFlows struct {
	Database string                                `json:"database"`
	Flows    map[flowcache.DPID][]flowcache.Record `json:"flows"`
}

type SwitchFlows struct {
	Database string             `json:"database"`
	Switch   flowcache.DPID     `json:"switch"`
	Flows    []flowcache.Record `json:"flows"`
}

type RemoveResult struct {
	Removed bool `json:"removed"`
}

type SwitchList struct {
	Switches []synchronizer.SwitchInfo `json:"switches"`
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, DatabaseList{Databases: s.store.Databases()})
}

func (s *Server) listDatabaseFlows(w http.ResponseWriter, r *http.Request) {
	db := mux.Vars(r)["db"]
	flows, err := s.store.GetAllFlows(db)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, DatabaseFlows{Database: db, Flows: flows})
}

func (s *Server) listSwitchFlows(w http.ResponseWriter, r *http.Request) {
	db, sw, err := pathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flows, err := s.store.GetFlows(db, sw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, SwitchFlows{Database: db, Switch: sw, Flows: flows})
}

func (s *Server) addFlow(w http.ResponseWriter, r *http.Request) {
	db, sw, err := pathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req FlowRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.store.AddFlow(db, sw, req.Cookie, req.Priority, req.Match, req.Actions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusCreated, record)
}

func (s *Server) removeFlow(w http.ResponseWriter, r *http.Request) {
	db, sw, err := pathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req FlowRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	removed, err := s.store.RemoveFlow(db, sw, req.Cookie, req.Priority, req.Match)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, RemoveResult{Removed: removed})
}

func (s *Server) confirmFlow(w http.ResponseWriter, r *http.Request) {
	db, sw, err := pathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req FlowRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.store.Confirm(db, sw, flowcache.NewKey(req.Cookie, req.Priority, req.Match))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, record)
}

func (s *Server) setPath(w http.ResponseWriter, r *http.Request) {
	db, sw, err := pathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req PathRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.store.SetPathID(db, sw, flowcache.NewKey(req.Cookie, req.Priority, req.Match), req.PathID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, record)
}

// runQuery issues a query and waits for its response. The wait is bounded
// by the timeout parameter; a query that outlives it keeps running but its
// response is discarded.
func (s *Server) runQuery(w http.ResponseWriter, r *http.Request) {
	timeout := defaultQueryTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: timeout %q", flowcache.ErrInvalidArgument, raw))
			return
		}
		timeout = d
	}
	var q query.Query
	if err := decodeBody(r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}
	if q.Database == "" {
		q.Database = flowcache.DefaultDatabase
	}
	future, err := s.engine.Query(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	resp, err := future.Wait(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.encode(w, r, http.StatusOK, resp)
}

func (s *Server) listSwitches(w http.ResponseWriter, r *http.Request) {
	switches := []synchronizer.SwitchInfo{}
	if s.fleet != nil {
		switches = s.fleet.List()
	}
	s.encode(w, r, http.StatusOK, SwitchList{Switches: switches})
}

func (s *Server) refreshAll(w http.ResponseWriter, r *http.Request) {
	s.refresher.RefreshAllSwitches()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) refreshSwitch(w http.ResponseWriter, r *http.Request) {
	sw, err := flowcache.ParseDPID(mux.Vars(r)["dpid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.refresher.RefreshSwitch(sw); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, s.engine.Policy())
}

func pathParams(r *http.Request) (string, flowcache.DPID, error) {
	vars := mux.Vars(r)
	sw, err := flowcache.ParseDPID(vars["dpid"])
	if err != nil {
		return "", 0, err
	}
	return vars["db"], sw, nil
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: request body: %s", flowcache.ErrInvalidArgument, err)
	}
	return nil
}

func (s *Server) encode(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logWriteError(r, err)
	}
}

func (s *Server) logWriteError(r *http.Request, err error) {
	s.logger.Info("failed to write response",
		slog.String("endpoint", r.URL.Path),
		slog.Any("error", err),
	)
}

// Error is the body of every non-2xx response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("endpoint", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("error", err),
		)
	}
	s.encode(w, r, status, Error{Code: code, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, flowcache.ErrUnknownDatabase):
		return http.StatusNotFound, "ErrUnknownDatabase"
	case errors.Is(err, flowcache.ErrPathAssigned):
		return http.StatusConflict, "ErrPathAssigned"
	case errors.Is(err, flowcache.ErrInvalidArgument):
		return http.StatusBadRequest, "ErrInvalidArgument"
	case errors.Is(err, flowcache.ErrNotFound):
		return http.StatusNotFound, "ErrNotFound"
	case errors.Is(err, flowcache.ErrUnknownSwitch):
		return http.StatusNotFound, "ErrUnknownSwitch"
	case errors.Is(err, flowcache.ErrRejected):
		return http.StatusServiceUnavailable, "ErrRejected"
	case errors.Is(err, flowcache.ErrTimeout):
		return http.StatusGatewayTimeout, "ErrTimeout"
	}
	return http.StatusInternalServerError, "ErrInternal"
}
