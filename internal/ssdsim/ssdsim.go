// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ssdsim

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asch/ssdsim/internal/config"
	"github.com/asch/ssdsim/internal/ssdsim/dispatcher"
	"github.com/asch/ssdsim/internal/ssdsim/geometry"
	"github.com/asch/ssdsim/internal/ssdsim/loader"
	"github.com/asch/ssdsim/internal/ssdsim/objproxy"
	"github.com/asch/ssdsim/internal/ssdsim/objproxy/s3"
	"github.com/asch/ssdsim/internal/ssdsim/protocol"
	"github.com/asch/ssdsim/internal/ssdsim/session"
	"github.com/asch/ssdsim/internal/ssdsim/store"
	"github.com/asch/ssdsim/internal/ssdsim/store/memstore"
	"github.com/asch/ssdsim/internal/ssdsim/store/null"
	"github.com/asch/ssdsim/internal/ssdsim/store/objstore"
	"github.com/asch/ssdsim/internal/ssdsim/transport"
	"github.com/asch/ssdsim/internal/trace"
)

const (
	BackendMemory = "memory"
	BackendNull   = "null"
	BackendS3     = "s3"
)

var ErrUnknownBackend = errors.New("unknown store backend")

// Simulator is one simulated device. It owns the page store, the endpoint
// and the dispatcher serving it.
type Simulator struct {
	Geometry   geometry.Geometry
	Registry   *transport.Registry
	Endpoint   *transport.Endpoint
	Dispatcher *dispatcher.Dispatcher
	Loader     *loader.Registry

	store       store.Store
	recorder    *trace.SQLiteRecorder
	sessionOpts session.Options
}

// Returns simulator configured by the global configuration and registered in
// the default transport registry.
func NewWithDefaults() (*Simulator, error) {
	return New(&config.Cfg, transport.Default)
}

// Returns simulator configured by c with endpoint registered in registry. The
// dispatcher does not serve until Run() is called.
func New(c *config.Config, registry *transport.Registry) (*Simulator, error) {
	g, err := geometry.New(
		c.Geometry.Channels,
		c.Geometry.DevicesPerChannel,
		c.Geometry.BlocksPerDevice,
		c.Geometry.PagesPerBlock,
		c.Geometry.BytesPerPage)

	if err != nil {
		return nil, err
	}

	st, err := newStore(c, g)
	if err != nil {
		return nil, err
	}

	endpoint, err := registry.Listen(c.Server.Name, c.Server.QueueDepth)
	if err != nil {
		st.Close()
		return nil, err
	}

	sim := &Simulator{
		Geometry: g,
		Registry: registry,
		Endpoint: endpoint,
		Loader:   loader.NewDefault(),
		store:    st,
		sessionOpts: session.Options{
			PoolSize:    c.Session.PoolSize,
			MaxTransfer: c.Session.MaxTransfer,
		},
	}

	opts := dispatcher.Options{
		Workers: c.Server.Workers,
		Loader:  sim.Loader,
	}

	if c.Trace.Enabled {
		sim.recorder, err = trace.NewSQLiteRecorder(c.Trace.Path, c.Trace.BatchSize)
		if err != nil {
			endpoint.Close()
			st.Close()
			return nil, err
		}
		opts.Recorder = sim.recorder
	}

	sim.Dispatcher = dispatcher.New(g, st, endpoint, opts)

	log.Info().Str("name", endpoint.Name()).Str("backend", c.Store.Backend).
		Stringer("geometry", g).Msg("Simulator created.")

	return sim, nil
}

// Returns the page store selected by the configuration.
func newStore(c *config.Config, g geometry.Geometry) (store.Store, error) {
	switch c.Store.Backend {
	case BackendMemory, "":
		return memstore.New(g), nil

	case BackendNull:
		return null.NewNull(), nil

	case BackendS3:
		s3Handler, err := s3.New(s3.Options{
			Remote:    c.S3.Remote,
			Region:    c.S3.Region,
			Bucket:    c.S3.Bucket,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			Prefix:    c.S3.Prefix,
		})

		if err != nil {
			return nil, err
		}

		st := objstore.New(g, objproxy.New(s3Handler, c.S3.Uploaders, c.S3.Downloaders))

		if c.Store.Format {
			if err := st.Format(); err != nil {
				st.Close()
				return nil, err
			}
			log.Info().Str("bucket", c.S3.Bucket).Msg("Store formatted.")
		}

		return st, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Store.Backend)
}

// Run serves commands until the simulator is shut down or ctx is cancelled.
// The page store and the trace are closed afterwards.
func (s *Simulator) Run(ctx context.Context) error {
	err := s.Dispatcher.Run(ctx)

	if cerr := s.store.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("Closing store failed.")
	}

	if s.recorder != nil {
		if cerr := s.recorder.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("Closing trace failed.")
		}
	}

	return err
}

// Name of the endpoint sessions connect to.
func (s *Simulator) Name() string {
	return s.Endpoint.Name()
}

// Session opens a new client session to the simulator.
func (s *Simulator) Session() (*session.Session, error) {
	return session.Dial(s.Registry, s.Name(), s.sessionOpts)
}

// Shutdown sends the Shutdown command and waits for its completion, which
// comes after every command queued before it.
func (s *Simulator) Shutdown(ctx context.Context) error {
	sess, err := s.Session()
	if err != nil {
		return err
	}
	defer sess.Close()

	m, err := sess.Allocate(0, true)
	if err != nil {
		return err
	}

	m.Command = protocol.CodeShutdown
	if err := sess.Submit(m); err != nil {
		return err
	}

	if _, err := sess.Wait(ctx); err != nil {
		return err
	}

	return m.Err()
}

// Trace returns path of the command trace, empty when tracing is off.
func (s *Simulator) Trace() string {
	if s.recorder == nil {
		return ""
	}

	return s.recorder.Path()
}
