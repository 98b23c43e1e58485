// Package node implements the server role: the bundle cache endpoints, worker
// creation and teardown, the event-stream fan-out, and load sampling, all
// served over long-lived HTTP request/response streams.
package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	psuhost "github.com/shirou/gopsutil/v3/host"

	"github.com/workernodes/workernodes/pkg/bundle"
	"github.com/workernodes/workernodes/pkg/host"
	"github.com/workernodes/workernodes/pkg/logging"
	"github.com/workernodes/workernodes/pkg/metrics"
	"github.com/workernodes/workernodes/pkg/models"
	"github.com/workernodes/workernodes/pkg/protocol"
)

// AuthRealm is the basic-auth realm advertised on 401 responses.
const AuthRealm = "worker_threads_nodes"

// DefaultGraceWindow is how long a worker created with exitOnRequestEnd
// survives with zero attached readers before the child is terminated.
const DefaultGraceWindow = time.Second

// WorkerIDHeader carries the generated worker identifier on the creation
// response.
const WorkerIDHeader = "x-worker-id"

// Config assembles a node server.
type Config struct {
	Cache *bundle.Cache
	Host  host.Host

	// Credentials guard every endpoint. A zero value disables auth (tests
	// and trusted networks).
	Credentials models.Credentials

	// GraceWindow overrides DefaultGraceWindow when positive.
	GraceWindow time.Duration

	// Name is the node name reported on GET /. Empty means the hostname.
	Name string

	// Sampler overrides the gopsutil-backed CPU sampler.
	Sampler Sampler

	// Metrics is optional.
	Metrics *metrics.Exporter

	Log *logging.Logger
}

// Server handles the node's HTTP surface.
type Server struct {
	cache    *bundle.Cache
	host     host.Host
	registry *Registry
	creds    models.Credentials
	grace    time.Duration
	name     string
	sampler  Sampler
	metrics  *metrics.Exporter
	log      *logging.Logger
}

// NewServer creates a node server from the given configuration.
func NewServer(cfg Config) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}

	sampler := cfg.Sampler
	if sampler == nil {
		var err error
		sampler, err = NewCPUSampler()
		if err != nil {
			return nil, err
		}
	}

	name := cfg.Name
	if name == "" {
		if info, err := psuhost.Info(); err == nil {
			name = info.Hostname
		} else {
			name = "unknown"
		}
	}

	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}

	return &Server{
		cache:    cfg.Cache,
		host:     cfg.Host,
		registry: NewRegistry(log),
		creds:    cfg.Credentials,
		grace:    grace,
		name:     name,
		sampler:  sampler,
		metrics:  cfg.Metrics,
		log:      log,
	}, nil
}

// Registry exposes the live worker set, mainly for shutdown wiring.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.serverHeader, s.basicAuth)

	r.HandleFunc("/", s.Info).Methods("GET")
	r.HandleFunc("/health", s.Health).Methods("GET")
	r.HandleFunc("/bundles/create", s.CreateBundle).Methods("POST")
	r.HandleFunc("/bundles/{hash}", s.DescribeBundle).Methods("GET")
	r.HandleFunc("/bundles/{hash}/data", s.PutBundleData).Methods("POST")
	r.HandleFunc("/workers", s.ListWorkers).Methods("GET")
	r.HandleFunc("/worker", s.CreateWorker).Methods("POST")
	r.HandleFunc("/worker/{id}/streams-pipe", s.AttachWorker).Methods("GET")
	r.HandleFunc("/worker/{id}/streams-pipe", s.WorkerControl).Methods("POST")
	return r
}

func (s *Server) serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", models.ProductName+"/"+models.Version)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.creds.Username == "" && s.creds.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.creds.Username || pass != s.creds.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+AuthRealm+`"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Info returns node identity for the client's one-time version check.
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, models.NodeInfo{
		Name:        s.name,
		NodeVersion: models.Version,
	})
}

// Health returns the load sample used by the balancing placement policy.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	usage, err := s.sampler.Sample()
	if err != nil {
		s.log.Error("Failed to sample cpu usage", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to sample cpu usage", http.StatusInternalServerError)
		return
	}
	writeJSON(w, models.HealthStatus{
		WorkersRunning: s.registry.Count(),
		CPUUsage:       usage,
	})
}

// CreateBundle reserves a cache slot for a fingerprint. Idempotent.
func (s *Server) CreateBundle(w http.ResponseWriter, r *http.Request) {
	var req models.CreateBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.cache.Create(req.Hash); err != nil {
		http.Error(w, "Invalid bundle hash", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// DescribeBundle reports a fully uploaded bundle, 404 otherwise.
func (s *Server) DescribeBundle(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	info, err := s.cache.Describe(hash)
	if err != nil {
		http.Error(w, "Bundle not found", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

// PutBundleData stores the artifact bytes. The only recognized compression is
// "none"; anything else is refused rather than risking a corrupt artifact.
func (s *Server) PutBundleData(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	if c := r.URL.Query().Get("compression"); c != "" && c != "none" {
		http.Error(w, "Unknown compression", http.StatusBadRequest)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/octet-stream") {
		http.Error(w, "Body must be binary", http.StatusBadRequest)
		return
	}

	size, err := s.cache.Put(hash, r.Body)
	switch err {
	case nil:
	case bundle.ErrNotReserved:
		http.Error(w, "No slot reserved", http.StatusNotFound)
		return
	case bundle.ErrBadHash:
		http.Error(w, "Invalid bundle hash", http.StatusBadRequest)
		return
	default:
		s.log.Error("Failed to store bundle", map[string]interface{}{"hash": hash, "error": err.Error()})
		http.Error(w, "Failed to store bundle", http.StatusInternalServerError)
		return
	}

	s.metrics.BundleUploaded()
	s.log.Info("Bundle uploaded", map[string]interface{}{"hash": hash, "size": size})
	w.WriteHeader(http.StatusNoContent)
}

// ListWorkers returns the live worker identifiers.
func (s *Server) ListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.IDs())
}

// CreateWorker spawns a child for a cached bundle and streams its events on
// the response body, which stays open until the worker exits or the caller
// goes away.
func (s *Server) CreateWorker(w http.ResponseWriter, r *http.Request) {
	var req models.CreateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entrypoint, err := s.cache.Path(req.BundleHash)
	if err != nil {
		http.Error(w, "Unknown bundle fingerprint", http.StatusBadRequest)
		return
	}

	// The child is owned by the node, not by this request.
	proc, err := s.host.Start(context.Background(), entrypoint, req.ExtraData)
	if err != nil {
		s.log.Error("Failed to spawn child", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to spawn worker", http.StatusInternalServerError)
		return
	}

	id := uuid.New().String()
	worker := newWorker(id, req.BundleHash, proc, req.ExtraData.Stdin, s.grace, s.log, func(exited *Worker) {
		s.registry.Remove(exited.ID)
		s.metrics.WorkerExited()
	})
	s.registry.Add(worker)
	s.metrics.WorkerSpawned()
	s.log.Info("Worker created", map[string]interface{}{"worker_id": id, "bundle": req.BundleHash})

	w.Header().Set(WorkerIDHeader, id)
	s.streamEvents(w, r, worker, req.ExitOnRequestEnd)
}

// AttachWorker opens an additional event stream for a live worker.
func (s *Server) AttachWorker(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.registry.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Worker not found", http.StatusNotFound)
		return
	}

	exitOnEnd := false
	if v, present := r.URL.Query()["exitOnRequestEnd"]; present {
		exitOnEnd = len(v) == 0 || v[0] != "false"
	}
	s.streamEvents(w, r, worker, exitOnEnd)
}

// WorkerControl consumes control records from the request body until the
// client closes it. The read end is stateless, so a client may drop and
// re-open this stream at any time.
func (s *Server) WorkerControl(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.registry.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "Worker not found", http.StatusNotFound)
		return
	}

	parser := protocol.NewParser(worker.Control)
	if _, err := io.Copy(parser, r.Body); err != nil {
		s.log.Debug("Control stream ended", map[string]interface{}{
			"worker_id": worker.ID,
			"error":     err.Error(),
		})
	}
	w.WriteHeader(http.StatusOK)
}

// streamEvents writes the worker's event records to the response until the
// worker exits or the connection drops.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, worker *Worker, exitOnEnd bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	reader := worker.Attach(exitOnEnd)
	defer worker.Detach(reader)

	for {
		select {
		case rec, ok := <-reader.C:
			if !ok {
				return
			}
			if err := protocol.Write(w, rec); err != nil {
				// Broken transport: drop this reader only.
				return
			}
			s.metrics.EventWritten()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
