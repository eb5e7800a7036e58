package server

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/atwupack/hackage-server/features/core"
	"github.com/atwupack/hackage-server/features/recent"
	"github.com/atwupack/hackage-server/features/users"
	"github.com/atwupack/hackage-server/internal/config"
	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/feature"
	"github.com/atwupack/hackage-server/internal/logging"
	"github.com/atwupack/hackage-server/internal/routing"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.StaticDir = filepath.Join(t.TempDir(), "static")
	cfg.OpsAddr = "" // no ops listener in tests
	cfg.RequestBodyLimit = 1 << 20
	if err := os.MkdirAll(cfg.StaticDir, 0o755); err != nil {
		t.Fatalf("create static dir: %v", err)
	}
	return cfg
}

func defaultFeatures() []feature.Constructor {
	return []feature.Constructor{
		users.New([]byte("test-secret")),
		core.New(),
		recent.New(),
	}
}

func newTestServer(t *testing.T, cfg *config.Config, ctors []feature.Constructor) *Server {
	t.Helper()
	srv, err := Initialise(cfg, logging.Discard(), ctors)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func TestInitialiseRejectsDuplicateRoutes(t *testing.T) {
	noop := func(http.ResponseWriter, *http.Request, routing.Params) {}
	clash := feature.Constructor{
		Name: "clash",
		Init: func(*feature.Env, feature.Handles) (*feature.Feature, error) {
			return &feature.Feature{
				Resources: []routing.Resource{
					{Pattern: "/users/", Handler: noop},
				},
			}, nil
		},
	}

	_, err := Initialise(testConfig(t), logging.Discard(), append(defaultFeatures(), clash))
	if !errs.IsConflict(err) {
		t.Errorf("Initialise() error = %v, want conflict", err)
	}
}

func TestBootstrap(t *testing.T) {
	srv := newTestServer(t, testConfig(t), defaultFeatures())

	require.NoError(t, srv.InitState("admin", "hunter2"))

	var usersHandle *users.Handle
	for _, f := range srv.Features() {
		if h, ok := f.Handle.(*users.Handle); ok {
			usersHandle = h
		}
	}
	require.NotNil(t, usersHandle)

	require.NoError(t, usersHandle.Authenticate("admin", "hunter2"))
	require.Error(t, usersHandle.Authenticate("admin", "wrong"))
	require.True(t, usersHandle.InGroup(users.AdminGroup, "admin"))

	// Repeating bootstrap with the same admin name clashes.
	err := srv.InitState("admin", "hunter2")
	require.True(t, errs.IsConflict(err), "expected conflict, got %v", err)
}

func TestBootstrapRejectsBadIdentifier(t *testing.T) {
	srv := newTestServer(t, testConfig(t), defaultFeatures())

	for _, name := range []string{"", "9lives", "bad name", "föö"} {
		err := srv.InitState(name, "pw")
		if !errs.IsValidation(err) {
			t.Errorf("InitState(%q) error = %v, want validation", name, err)
		}
	}
}

func TestNotFoundFallback(t *testing.T) {
	srv := newTestServer(t, testConfig(t), defaultFeatures())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no/such/page", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Page not found") {
		t.Errorf("body = %q, want a Page not found message", rec.Body.String())
	}
}

func TestErrorRendererNegotiation(t *testing.T) {
	srv := newTestServer(t, testConfig(t), defaultFeatures())

	req := httptest.NewRequest(http.MethodGet, "/no/such/page", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html for an HTML client", ct)
	}

	// A wildcard Accept falls back to plain text.
	req = httptest.NewRequest(http.MethodGet, "/no/such/page", nil)
	req.Header.Set("Accept", "*/*")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain for wildcard Accept", ct)
	}
}

func TestBodyLimitRejectsBeforeHandler(t *testing.T) {
	cfg := testConfig(t)
	cfg.RequestBodyLimit = 16

	handlerRan := false
	sink := feature.Constructor{
		Name: "sink",
		Init: func(*feature.Env, feature.Handles) (*feature.Feature, error) {
			return &feature.Feature{
				Resources: []routing.Resource{
					{Pattern: "/sink", Handler: func(w http.ResponseWriter, r *http.Request, _ routing.Params) {
						handlerRan = true
						w.WriteHeader(http.StatusOK)
					}},
				},
			}, nil
		},
	}

	srv := newTestServer(t, cfg, append(defaultFeatures(), sink))

	body := strings.NewReader(strings.Repeat("x", 64))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sink", body))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if handlerRan {
		t.Error("handler ran despite oversized body")
	}
}

func TestMethodOverrideRewrite(t *testing.T) {
	cfg := testConfig(t)

	var seenMethod string
	echo := feature.Constructor{
		Name: "echo",
		Init: func(*feature.Env, feature.Handles) (*feature.Feature, error) {
			return &feature.Feature{
				Resources: []routing.Resource{
					{Pattern: "/echo", Handler: func(w http.ResponseWriter, r *http.Request, _ routing.Params) {
						seenMethod = r.Method
						w.WriteHeader(http.StatusOK)
					}},
				},
			}, nil
		},
	}

	srv := newTestServer(t, cfg, append(defaultFeatures(), echo))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo?_method=PUT", nil))
	if seenMethod != http.MethodPut {
		t.Errorf("handler saw method %s, want PUT", seenMethod)
	}

	// GET requests are never rewritten.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo?_method=DELETE", nil))
	if seenMethod != http.MethodGet {
		t.Errorf("handler saw method %s, want GET", seenMethod)
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	boom := feature.Constructor{
		Name: "boom",
		Init: func(*feature.Env, feature.Handles) (*feature.Feature, error) {
			return &feature.Feature{
				Resources: []routing.Resource{
					{Pattern: "/boom", Handler: func(http.ResponseWriter, *http.Request, routing.Params) {
						panic("kaboom")
					}},
				},
			}, nil
		},
	}

	srv := newTestServer(t, testConfig(t), append(defaultFeatures(), boom))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRunFailsWithoutStaticDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.StaticDir = filepath.Join(t.TempDir(), "does-not-exist")

	srv := newTestServer(t, cfg, defaultFeatures())

	err := srv.Run(context.Background())
	if errs.KindOf(err) != errs.KindConfig {
		t.Errorf("Run() error = %v, want config error", err)
	}
}

func TestStaticAssets(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StaticDir, "style.css"), []byte("body{}"), 0o644))

	srv := newTestServer(t, cfg, defaultFeatures())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/style.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "body{}", rec.Body.String())
}

// makeTarball builds a release archive with the conventional descriptor
// layout <pkg>-<ver>/<pkg>.cabal.
func makeTarball(t *testing.T, pkg, version, cabal string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	name := pkg + "-" + version + "/" + pkg + ".cabal"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(cabal))}))
	_, err := tw.Write([]byte(cabal))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestUploadFetchAndFeedFlow(t *testing.T) {
	srv := newTestServer(t, testConfig(t), defaultFeatures())
	require.NoError(t, srv.InitState("admin", "hunter2"))
	handler := srv.Handler()

	cabal := "name: lens\nversion: 5.2\n"
	tarball := makeTarball(t, "lens", "5.2", cabal)

	// Upload requires credentials.
	req := httptest.NewRequest(http.MethodPut, "/packages/lens/5.2/lens-5.2.tar.gz", bytes.NewReader(tarball))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/packages/lens/5.2/lens-5.2.tar.gz", bytes.NewReader(tarball))
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "upload failed: %s", rec.Body.String())

	// Re-publishing the same version conflicts.
	req = httptest.NewRequest(http.MethodPut, "/packages/lens/5.2/lens-5.2.tar.gz", bytes.NewReader(tarball))
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	// The archive comes back byte-identical, typed and digest-tagged.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packages/lens/5.2/lens-5.2.tar.gz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get(core.DigestHeader))
	require.True(t, bytes.Equal(rec.Body.Bytes(), tarball))

	// The descriptor file is served as exactly text/plain.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packages/lens/5.2/lens.cabal", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	require.Equal(t, cabal, rec.Body.String())

	// The index tarball contains the descriptor.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packages/index.tar.gz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	gz, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "lens/5.2/lens.cabal", hdr.Name)

	// The upload appears in the syndication feed.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packages/recent.rss", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/rss+xml", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "lens 5.2")
	require.Contains(t, rec.Body.String(), "admin")
}

func TestLoginSessionFlow(t *testing.T) {
	srv := newTestServer(t, testConfig(t), defaultFeatures())
	require.NoError(t, srv.InitState("admin", "hunter2"))
	handler := srv.Handler()

	// Exchange basic credentials for a session token.
	req := httptest.NewRequest(http.MethodPost, "/users/login", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "login failed: %s", rec.Body.String())

	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	// The token authenticates an admin operation without the password.
	form := url.Values{"name": {"admin"}}
	req = httptest.NewRequest(http.MethodPost, "/users/password-reset", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "bearer-authenticated request failed: %s", rec.Body.String())

	// A garbage token does not.
	req = httptest.NewRequest(http.MethodPost, "/users/password-reset", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBackupRestore(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServer(t, cfg, defaultFeatures())
	require.NoError(t, srv.InitState("admin", "hunter2"))

	backupDir := t.TempDir()
	require.NoError(t, srv.Backup(backupDir))

	// Restore into a second deployment.
	cfg2 := testConfig(t)
	srv2 := newTestServer(t, cfg2, defaultFeatures())
	require.NoError(t, srv2.Restore(backupDir))

	var usersHandle *users.Handle
	for _, f := range srv2.Features() {
		if h, ok := f.Handle.(*users.Handle); ok {
			usersHandle = h
		}
	}
	require.NotNil(t, usersHandle)
	require.NoError(t, usersHandle.Authenticate("admin", "hunter2"))
}

func TestCheckpointAll(t *testing.T) {
	srv := newTestServer(t, testConfig(t), defaultFeatures())
	require.NoError(t, srv.InitState("admin", "hunter2"))
	require.NoError(t, srv.Checkpoint())
}

func TestMaintenanceListener(t *testing.T) {
	// Reserve an address, then free it for the maintenance listener.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	m := StartMaintenance(addr, 10*time.Millisecond, logging.Discard())
	defer m.Stop(time.Second)

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/anything")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err, "maintenance listener never came up")
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))

	// Stopping releases the socket for the main server.
	m.Stop(time.Second)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	ln.Close()
}

func TestMaintenanceStopBeforeDelay(t *testing.T) {
	m := StartMaintenance("127.0.0.1:0", time.Hour, logging.Discard())
	done := make(chan struct{})
	go func() {
		m.Stop(time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() hung on a never-started listener")
	}
}
