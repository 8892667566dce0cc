// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package monitor serves the state of a running simulator over HTTP.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/process"

	"github.com/asch/ssdsim/internal/ssdsim/dispatcher"
	"github.com/asch/ssdsim/internal/ssdsim/geometry"
)

// Source of the reported values. Implemented by the dispatcher.
type Source interface {
	Name() string
	Geometry() geometry.Geometry
	Info() geometry.DeviceInfo
	Stats() dispatcher.Stats
}

type Monitor struct {
	source  Source
	router  *mux.Router
	server  *http.Server
	profile time.Duration
}

type deviceRsp struct {
	Name     string              `json:"name"`
	Geometry geometry.Geometry   `json:"geometry"`
	Info     geometry.DeviceInfo `json:"info"`
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func New(source Source) *Monitor {
	m := &Monitor{
		source:  source,
		router:  mux.NewRouter(),
		profile: time.Second,
	}

	m.router.HandleFunc("/api/device", m.device).Methods(http.MethodGet)
	m.router.HandleFunc("/api/stats", m.stats).Methods(http.MethodGet)
	m.router.HandleFunc("/api/resource", m.resource).Methods(http.MethodGet)
	m.router.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)

	m.router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)

	return m
}

func (m *Monitor) Handler() http.Handler {
	return m.router
}

// Start listens on addr and serves in the background. It returns the address
// actually used, which differs from addr when the port is 0.
func (m *Monitor) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	m.server = &http.Server{Handler: m.router}

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Monitor stopped.")
		}
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("Monitoring simulator.")

	return listener.Addr().String(), nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) device(w http.ResponseWriter, _ *http.Request) {
	reply(w, deviceRsp{
		Name:     m.source.Name(),
		Geometry: m.source.Geometry(),
		Info:     m.source.Info(),
	})
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	reply(w, m.source.Stats())
}

func (m *Monitor) resource(w http.ResponseWriter, _ *http.Request) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		fail(w, err)
		return
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		fail(w, err)
		return
	}

	memory, err := p.MemoryInfo()
	if err != nil {
		fail(w, err)
		return
	}

	reply(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memory.RSS,
	})
}

// Samples CPU profile of the whole process and returns it decoded.
func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := runtimepprof.StartCPUProfile(buf); err != nil {
		fail(w, err)
		return
	}

	time.Sleep(m.profile)

	runtimepprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		fail(w, err)
		return
	}

	reply(w, prof)
}

func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Writing monitor response failed.")
	}
}

func fail(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("Monitor request failed.")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
