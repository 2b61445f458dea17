// Package httpapi is the controller's REST/JSON management surface (spec
// §6): a thin net/http layer that marshals requests, calls straight into
// internal/cluster.Controller, and marshals the result back. No cluster
// logic lives here — per spec's own framing, "the HTTP handler code" is a
// boundary with a trivial routing layer, its wire form fixed rather than
// designed.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/neurofab/z1onyx/internal/cluster"
	"github.com/neurofab/z1onyx/internal/sdcard"
	"github.com/neurofab/z1onyx/internal/snn"
)

// Server wires a cluster.Controller and an sdcard.Card to the REST routes
// spec §6 describes, plus the async spike-injection job queue the
// controller core-0 loop is specified to drain (spec §4.6).
type Server struct {
	ctrl *cluster.Controller
	sd   *sdcard.Card
	mux  *http.ServeMux

	spikeJobs chan spikeJob
}

type spikeJob struct {
	dest uint8
	gid  uint32
}

// NewServer builds the HTTP façade and starts its background spike-injection
// worker. sd may be nil, in which case the file and SD-firmware-deploy
// routes answer 501.
func NewServer(ctrl *cluster.Controller, sd *sdcard.Card) *Server {
	s := &Server{
		ctrl:      ctrl,
		sd:        sd,
		mux:       http.NewServeMux(),
		spikeJobs: make(chan spikeJob, 256),
	}
	s.routes()
	go s.drainSpikeJobs()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/cluster/status", s.handleClusterStatus)
	s.mux.HandleFunc("POST /api/discover", s.handleDiscover)

	s.mux.HandleFunc("GET /api/nodes/{id}/status", s.handleNodeStatus)
	s.mux.HandleFunc("POST /api/nodes/{id}/ping", s.handleNodePing)
	s.mux.HandleFunc("POST /api/nodes/{id}/led", s.handleNodeSetLED)
	s.mux.HandleFunc("POST /api/nodes/{id}/memory", s.handleNodeWriteMemory)
	s.mux.HandleFunc("GET /api/nodes/{id}/memory", s.handleNodeReadMemory)
	s.mux.HandleFunc("POST /api/nodes/{id}/topology", s.handleNodeDeployTopology)
	s.mux.HandleFunc("POST /api/nodes/{id}/spike", s.handleNodeInjectSpike)

	s.mux.HandleFunc("GET /api/snn/status", s.handleClusterSNNStatus)
	s.mux.HandleFunc("POST /api/snn/start", s.handleClusterSNNStart)
	s.mux.HandleFunc("POST /api/snn/stop", s.handleClusterSNNStop)
	s.mux.HandleFunc("POST /api/snn/reset", s.handleClusterSNNReset)

	s.mux.HandleFunc("POST /api/nodes/{id}/firmware/deploy", s.handleDeployFirmware)

	s.mux.HandleFunc("GET /api/files", s.handleListFiles)
	s.mux.HandleFunc("GET /api/files/{name}", s.handleReadFile)
	s.mux.HandleFunc("PUT /api/files/{name}", s.handleWriteFile)
}

func (s *Server) drainSpikeJobs() {
	for job := range s.spikeJobs {
		if err := s.ctrl.InjectSpike(job.dest, job.gid); err != nil {
			log.Printf("[httpapi] spike injection to node %d failed: %v", job.dest, err)
		}
	}
}

var (
	errQueueFull = fmt.Errorf("httpapi: spike job queue full")
	errNoSDCard  = fmt.Errorf("httpapi: no SD card wired")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func nodeIDFromPath(r *http.Request) (uint8, error) {
	v, err := strconv.ParseUint(r.PathValue("id"), 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.ClusterStatus())
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	found, err := s.ctrl.Discover()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": found})
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.ctrl.ReadStatus(id)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleNodePing(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rtt, err := s.ctrl.Ping(id)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rtt_ns": rtt.Nanoseconds()})
}

type setLEDRequest struct {
	Red   bool `json:"red"`
	Green bool `json:"green"`
	Blue  bool `json:"blue"`
}

func (s *Server) handleNodeSetLED(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req setLEDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state := encodeLEDState(req)
	if err := s.ctrl.SetLED(id, state); err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func encodeLEDState(req setLEDRequest) uint16 {
	var v uint16
	if req.Red {
		v |= 1
	}
	if req.Green {
		v |= 2
	}
	if req.Blue {
		v |= 4
	}
	return v
}

type writeMemoryRequest struct {
	Address uint32 `json:"address"`
	Data    string `json:"data"` // base64
}

func (s *Server) handleNodeWriteMemory(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req writeMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.WriteMemory(id, req.Address, data); err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNodeReadMemory(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := strconv.ParseUint(r.URL.Query().Get("address"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	length, err := strconv.Atoi(r.URL.Query().Get("length"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := s.ctrl.ReadMemory(id, uint32(addr), length)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": base64.StdEncoding.EncodeToString(data)})
}

type neuronSpecRequest struct {
	Threshold        float32          `json:"threshold"`
	Leak             float32          `json:"leak"`
	RefractoryPeriod uint16           `json:"refractory_period"`
	IsInput          bool             `json:"is_input"`
	Synapses         []synapseRequest `json:"synapses"`
}

type synapseRequest struct {
	SourceGlobalID uint32  `json:"source_global_id"`
	Weight         float32 `json:"weight"`
}

func (s *Server) handleNodeDeployTopology(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req []neuronSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	specs := decodeNeuronSpecs(req)
	count, err := s.ctrl.DeployTopology(id, specs)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deployed": count})
}

type injectSpikeRequest struct {
	SourceGlobalID uint32 `json:"source_global_id"`
}

// handleNodeInjectSpike enqueues the spike onto the async job queue rather
// than injecting it inline, per spec §4.6's core-0 loop ("async spike
// injector... rate-limited to at most one spike per 10 ms per job").
func (s *Server) handleNodeInjectSpike(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req injectSpikeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	select {
	case s.spikeJobs <- spikeJob{dest: id, gid: req.SourceGlobalID}:
		writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
	default:
		writeError(w, http.StatusServiceUnavailable, errQueueFull)
	}
}

func (s *Server) handleClusterSNNStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.ClusterSNNStatus())
}

func (s *Server) handleClusterSNNStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ClusterSNNStart(); err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClusterSNNStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ClusterSNNStop(); err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClusterSNNReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ClusterSNNReset(); err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type deployFirmwareRequest struct {
	File string `json:"file"`
}

// handleDeployFirmware drives the "update from SD card" OTA variant (spec
// §4.3): the file named in the request streams straight from sdcard.Card
// into Controller.DeployFirmware, never loaded whole into the request body.
func (s *Server) handleDeployFirmware(w http.ResponseWriter, r *http.Request) {
	if s.sd == nil {
		writeError(w, http.StatusNotImplemented, errNoSDCard)
		return
	}
	id, err := nodeIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req deployFirmwareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f, err := s.sd.Open(req.File)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer f.Close()
	if err := s.ctrl.DeployFirmware(id, f, true); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if s.sd == nil {
		writeError(w, http.StatusNotImplemented, errNoSDCard)
		return
	}
	entries, err := s.sd.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	if s.sd == nil {
		writeError(w, http.StatusNotImplemented, errNoSDCard)
		return
	}
	data, err := s.sd.ReadFile(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	if s.sd == nil {
		writeError(w, http.StatusNotImplemented, errNoSDCard)
		return
	}
	data, err := readAll(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sd.WriteFile(r.PathValue("name"), data); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeNeuronSpecs(req []neuronSpecRequest) []snn.NeuronSpec {
	out := make([]snn.NeuronSpec, len(req))
	for i, r := range req {
		syn := make([]snn.Synapse, len(r.Synapses))
		for j, sr := range r.Synapses {
			syn[j] = snn.Synapse{SourceGlobalID: sr.SourceGlobalID, Weight: snn.EncodeWeight(sr.Weight)}
		}
		out[i] = snn.NeuronSpec{
			Threshold:        r.Threshold,
			Leak:             r.Leak,
			RefractoryPeriod: r.RefractoryPeriod,
			IsInput:          r.IsInput,
			Synapses:         syn,
		}
	}
	return out
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
