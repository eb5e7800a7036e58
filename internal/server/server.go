// Package server wires features into one running package-repository
// server: it builds the shared environment, initializes features in
// dependency order, merges their endpoints into the routing tree, and
// drives the request pipeline, periodic checkpointing and shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/atwupack/hackage-server/internal/blobstore"
	"github.com/atwupack/hackage-server/internal/config"
	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/feature"
	"github.com/atwupack/hackage-server/internal/logging"
	"github.com/atwupack/hackage-server/internal/metrics"
	"github.com/atwupack/hackage-server/internal/middleware"
	"github.com/atwupack/hackage-server/internal/routing"
	"github.com/atwupack/hackage-server/internal/state"
)

// Bootstrapper is the distinguished user-management handle the server
// needs for bootstrapping a fresh deployment.
type Bootstrapper interface {
	AccountExists(name string) bool
	CreateAccount(name, password string) error
	AddToGroup(group, user string) error
}

// Server is the composed, initialized server.
type Server struct {
	cfg *config.Config
	env *feature.Env
	log *logging.Logger

	features   []*feature.Feature
	components []state.Persistent
	tree       *routing.Tree
	renderers  []feature.ErrorRenderer
	bootstrap  Bootstrapper

	httpSrv *http.Server
	opsSrv  *http.Server

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var identifierRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Initialise prepares the filesystem layout, opens the blob store, builds
// the shared environment and initializes every feature in dependency
// order, then builds the routing tree from the union of their resources.
// A duplicate route pattern or an unsatisfiable dependency fails the call
// and the server never starts.
func Initialise(cfg *config.Config, log *logging.Logger, ctors []feature.Constructor) (*Server, error) {
	for _, dir := range []string{cfg.StateDir, cfg.DataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Config("create directory %s: %v", dir, err)
		}
	}
	if cfg.TmpDir != "" {
		if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
			return nil, errs.Config("create temp directory %s: %v", cfg.TmpDir, err)
		}
	}

	blobs, err := blobstore.Open(cfg.BlobDir())
	if err != nil {
		return nil, err
	}

	env := &feature.Env{
		DataDir:            cfg.DataDir(),
		StaticDir:          cfg.StaticDir,
		TemplateDir:        cfg.TemplateDir,
		TmpDir:             cfg.TmpDir,
		BaseURI:            cfg.BaseURI,
		CheckpointInterval: cfg.CheckpointInterval,
		Blobs:              blobs,
		Log:                log,
	}

	ordered, err := feature.Order(ctors)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		env:    env,
		log:    log,
		stopCh: make(chan struct{}),
	}

	handles := make(feature.Handles, len(ordered))
	resources := s.builtinResources()

	for _, ctor := range ordered {
		deps := make(feature.Handles, len(ctor.Depends))
		for _, name := range ctor.Depends {
			deps[name] = handles[name]
		}

		f, err := ctor.Init(env, deps)
		if err != nil {
			return nil, fmt.Errorf("initialize feature %s: %w", ctor.Name, err)
		}
		f.Name = ctor.Name

		s.features = append(s.features, f)
		s.components = append(s.components, f.State...)
		s.renderers = append(s.renderers, f.ErrorRenderers...)
		resources = append(resources, f.Resources...)
		handles[ctor.Name] = f.Handle

		if b, ok := f.Handle.(Bootstrapper); ok && s.bootstrap == nil {
			s.bootstrap = b
		}

		log.WithFields(map[string]any{
			"feature":   f.Name,
			"resources": len(f.Resources),
			"state":     len(f.State),
		}).Info("feature initialized")
	}

	tree, err := routing.Build(resources)
	if err != nil {
		return nil, err
	}
	s.tree = tree

	log.WithField("routes", tree.Size()).Info("server initialized")
	return s, nil
}

// Env returns the shared environment.
func (s *Server) Env() *feature.Env { return s.env }

// Features returns the initialized features in initialization order.
func (s *Server) Features() []*feature.Feature { return s.features }

// Handler builds the full request pipeline: request id, body-size cap,
// method override, logging, metrics, error boundary, tree dispatch.
func (s *Server) Handler() http.Handler {
	return middleware.Chain(
		http.HandlerFunc(s.dispatch),
		middleware.RequestID(),
		middleware.BodyLimit(s.cfg.RequestBodyLimit),
		middleware.MethodOverride(),
		middleware.Logging(s.log),
		middleware.Metrics(),
		s.errorBoundary,
	)
}

// Run verifies the static-asset directory, binds the listen address and
// serves until ctx is cancelled or the listener fails. It also starts the
// ops listener and the periodic checkpoint timer. In-flight connections
// are not drained on shutdown.
func (s *Server) Run(ctx context.Context) error {
	info, err := os.Stat(s.cfg.StaticDir)
	if err != nil || !info.IsDir() {
		return errs.Config("static directory %s does not exist", s.cfg.StaticDir)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errs.Config("bind %s: %v", s.cfg.ListenAddr, err)
	}

	s.httpSrv = &http.Server{Handler: s.Handler()}

	s.startOps()
	s.startCheckpointTimer()

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.ListenAddr).Info("server listening")
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		s.Shutdown()
		return err
	}
}

// Checkpoint invokes checkpoint on every feature's state components in
// registration order, then runs feature checkpoint hooks. Errors are
// logged and counted per component; one failing component does not stop
// the others.
func (s *Server) Checkpoint() error {
	var firstErr error
	for _, c := range s.components {
		err := c.Checkpoint()
		metrics.RecordCheckpoint(c.Name(), err)
		if err != nil {
			s.log.Component(c.Name()).WithError(err).Error("checkpoint failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, f := range s.features {
		if f.CheckpointHook == nil {
			continue
		}
		if err := f.CheckpointHook(); err != nil {
			s.log.Component(f.Name).WithError(err).Error("checkpoint hook failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Shutdown checkpoints once, runs every feature's shutdown hook and
// closes all state components. It does not stop accepting or drain
// in-flight connections beyond closing the listeners.
func (s *Server) Shutdown() error {
	var firstErr error
	s.stopOnce.Do(func() {
		close(s.stopCh)

		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
		if s.opsSrv != nil {
			s.opsSrv.Close()
		}

		if err := s.Checkpoint(); err != nil && firstErr == nil {
			firstErr = err
		}

		for _, f := range s.features {
			if f.ShutdownHook == nil {
				continue
			}
			if err := f.ShutdownHook(); err != nil {
				s.log.Component(f.Name).WithError(err).Error("shutdown hook failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		for _, c := range s.components {
			if err := c.Close(); err != nil {
				s.log.Component(c.Name()).WithError(err).Error("close failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		s.wg.Wait()
		s.log.Info("server shut down")
	})
	return firstErr
}

// InitState drives every state component through an import of its blank
// export, reaching the same clean baseline a restored empty backup would,
// then creates the first administrator account and adds it to the admin
// group. An invalid admin identifier or a name clash fails the call.
func (s *Server) InitState(adminName, password string) error {
	if !identifierRE.MatchString(adminName) {
		return errs.Validation("admin name %q is not a valid identifier", adminName)
	}
	if s.bootstrap == nil {
		return errs.Config("no user-management feature registered")
	}
	// The clash check runs before the reset so a repeated bootstrap cannot
	// silently wipe an existing deployment.
	if s.bootstrap.AccountExists(adminName) {
		return errs.Conflict("account %q already exists", adminName)
	}

	for _, c := range s.components {
		blank, err := c.Blank()
		if err != nil {
			return err
		}
		if err := c.ImportAll(blank); err != nil {
			return err
		}
	}

	if err := s.bootstrap.CreateAccount(adminName, password); err != nil {
		return err
	}
	if err := s.bootstrap.AddToGroup("admin", adminName); err != nil {
		return err
	}

	s.log.WithField("admin", adminName).Info("state initialized")
	return nil
}

// Backup writes every component's export into dir as <name>.json.
func (s *Server) Backup(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Storage("create backup directory", err)
	}
	for _, c := range s.components {
		data, err := c.ExportAll()
		if err != nil {
			return err
		}
		path := filepath.Join(dir, c.Name()+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errs.Storage(fmt.Sprintf("write backup for %s", c.Name()), err)
		}
	}
	return nil
}

// Restore imports every component's state from dir. A component without
// a backup file is reset to blank, so a restore always produces a
// coherent whole-system state.
func (s *Server) Restore(dir string) error {
	for _, c := range s.components {
		path := filepath.Join(dir, c.Name()+".json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			data, err = c.Blank()
		}
		if err != nil {
			return errs.Storage(fmt.Sprintf("read backup for %s", c.Name()), err)
		}
		if err := c.ImportAll(data); err != nil {
			return err
		}
	}
	return nil
}

// dispatch resolves the request path through the routing tree. An
// unmatched route falls back to the generic not-found page.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	res, params, ok := s.tree.Lookup(r.URL.Path)
	if !ok {
		s.renderError(w, r, http.StatusNotFound, "Page not found")
		return
	}
	res.Handler(w, r, params)
}

// builtinResources contributes the server's own endpoints: static asset
// delivery under /static/.
func (s *Server) builtinResources() []routing.Resource {
	return []routing.Resource{
		{Pattern: "/static/{file}", Handler: s.serveStatic},
	}
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, p routing.Params) {
	name := p["file"]
	// The capture never contains a slash, so the only traversal risk is
	// a dot-segment name.
	if name == "" || name == "." || name == ".." {
		s.renderError(w, r, http.StatusNotFound, "Page not found")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, name))
}

func (s *Server) startCheckpointTimer() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Checkpoint(); err != nil {
					s.log.WithError(err).Error("periodic checkpoint failed")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}
