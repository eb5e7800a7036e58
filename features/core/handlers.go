package core

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/atwupack/hackage-server/internal/blobstore"
	"github.com/atwupack/hackage-server/internal/errs"
	"github.com/atwupack/hackage-server/internal/httputil"
	"github.com/atwupack/hackage-server/internal/metrics"
	"github.com/atwupack/hackage-server/internal/routing"
)

// DigestHeader exposes the content digest of a served archive.
const DigestHeader = "X-Hackage-Content-Digest"

// handleListing serves the package listing as JSON.
func (h *Handle) handleListing(w http.ResponseWriter, r *http.Request, _ routing.Params) {
	if r.Method != http.MethodGet {
		httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type entry struct {
		Package  string   `json:"package"`
		Versions []string `json:"versions"`
	}
	var out []entry
	h.index.Query(func(idx Index) {
		for name, versions := range idx.Packages {
			e := entry{Package: name}
			for v := range versions {
				e.Versions = append(e.Versions, v)
			}
			sort.Strings(e.Versions)
			out = append(out, e)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })

	httputil.WriteJSON(w, http.StatusOK, out)
}

// handleIndexTarball rebuilds and serves the package index archive: a
// gzipped tar of every release's descriptor file at
// <package>/<version>/<package>.cabal.
func (h *Handle) handleIndexTarball(w http.ResponseWriter, r *http.Request, _ routing.Params) {
	if r.Method != http.MethodGet {
		httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type item struct {
		path  string
		cabal blobstore.ID
		time  time.Time
	}
	var items []item
	h.index.Query(func(idx Index) {
		for name, versions := range idx.Packages {
			for version, rel := range versions {
				items = append(items, item{
					path:  name + "/" + version + "/" + cabalName(name),
					cabal: rel.Cabal,
					time:  rel.Time,
				})
			}
		}
	})
	sort.Slice(items, func(i, j int) bool { return items[i].path < items[j].path })

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, it := range items {
		data, err := h.blobs.Fetch(it.cabal)
		if err != nil {
			httputil.InternalError(w, "index build failed")
			return
		}
		hdr := &tar.Header{
			Name:    it.path,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: it.time,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			httputil.InternalError(w, "index build failed")
			return
		}
		if _, err := tw.Write(data); err != nil {
			httputil.InternalError(w, "index build failed")
			return
		}
	}
	if err := tw.Close(); err != nil {
		httputil.InternalError(w, "index build failed")
		return
	}
	if err := gz.Close(); err != nil {
		httputil.InternalError(w, "index build failed")
		return
	}

	httputil.WriteBytes(w, http.StatusOK, httputil.ContentTypeGzip, buf.Bytes())
}

// handleRelease dispatches on the requested file within a release:
// the package archive (GET fetch, PUT or POST upload) or the descriptor
// file.
func (h *Handle) handleRelease(w http.ResponseWriter, r *http.Request, p routing.Params) {
	pkg, version, file := p["package"], p["version"], p["file"]

	switch file {
	case tarballName(pkg, version):
		switch r.Method {
		case http.MethodGet:
			h.serveTarball(w, pkg, version)
		case http.MethodPut, http.MethodPost:
			h.acceptUpload(w, r, pkg, version)
		default:
			httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case cabalName(pkg):
		if r.Method != http.MethodGet {
			httputil.WritePlain(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.serveCabal(w, pkg, version)
	default:
		httputil.NotFound(w, "no such file in "+pkg+"-"+version)
	}
}

func (h *Handle) serveTarball(w http.ResponseWriter, pkg, version string) {
	rel, err := h.LookupRelease(pkg, version)
	if err != nil {
		httputil.NotFound(w, errs.Message(err))
		return
	}
	data, err := h.blobs.Fetch(rel.Tarball)
	if err != nil {
		httputil.WritePlain(w, errs.HTTPStatus(err), errs.Message(err))
		return
	}
	w.Header().Set(DigestHeader, rel.Tarball.String())
	httputil.WriteBytes(w, http.StatusOK, httputil.ContentTypeGzip, data)
}

func (h *Handle) serveCabal(w http.ResponseWriter, pkg, version string) {
	rel, err := h.LookupRelease(pkg, version)
	if err != nil {
		httputil.NotFound(w, errs.Message(err))
		return
	}
	data, err := h.blobs.Fetch(rel.Cabal)
	if err != nil {
		httputil.WritePlain(w, errs.HTTPStatus(err), errs.Message(err))
		return
	}
	httputil.WriteBytes(w, http.StatusOK, httputil.ContentTypePlain, data)
}

// acceptUpload stores an uploaded release: the archive and its extracted
// descriptor go into the blob store, then the publish event goes through
// the index component. A client disconnect after the blobs land leaves
// only unreferenced blobs behind; the index stays consistent.
func (h *Handle) acceptUpload(w http.ResponseWriter, r *http.Request, pkg, version string) {
	if !h.uploadLimiter.Allow() {
		httputil.WritePlain(w, http.StatusTooManyRequests, "upload rate limit exceeded")
		return
	}

	uploader, password, ok := r.BasicAuth()
	if !ok || h.auth.Authenticate(uploader, password) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="hackage"`)
		httputil.WritePlain(w, http.StatusUnauthorized, "authentication required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WritePlain(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.BadRequest(w, "could not read upload")
		return
	}

	cabal, err := extractCabal(body, pkg, version)
	if err != nil {
		httputil.WritePlain(w, errs.HTTPStatus(err), errs.Message(err))
		return
	}

	tarballID, err := h.addBlob(body)
	if err != nil {
		httputil.WritePlain(w, errs.HTTPStatus(err), errs.Message(err))
		return
	}
	cabalID, err := h.addBlob(cabal)
	if err != nil {
		httputil.WritePlain(w, errs.HTTPStatus(err), errs.Message(err))
		return
	}

	now := time.Now().UTC()
	err = h.index.Update(IndexEvent{
		Package:  pkg,
		Version:  version,
		Tarball:  tarballID,
		Cabal:    cabalID,
		Uploader: uploader,
		Time:     now,
	})
	if err != nil {
		httputil.WritePlain(w, errs.HTTPStatus(err), errs.Message(err))
		return
	}

	h.notify(Upload{Package: pkg, Version: version, Uploader: uploader, Time: now.Format(time.RFC1123Z)})

	w.Header().Set(DigestHeader, tarballID.String())
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"package": pkg,
		"version": version,
		"digest":  tarballID.String(),
	})
}

func (h *Handle) addBlob(data []byte) (blobstore.ID, error) {
	_, statErr := h.blobs.Stat(blobstore.Sum(data))
	id, err := h.blobs.Add(data)
	if err == nil {
		metrics.RecordBlobAdd(statErr == nil)
	}
	return id, err
}

// extractCabal locates the descriptor file inside an uploaded archive.
// The archive must be a gzipped tar containing
// <package>-<version>/<package>.cabal.
func extractCabal(archive []byte, pkg, version string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, errs.Validation("upload is not a gzip archive")
	}
	defer gz.Close()

	want := pkg + "-" + version + "/" + cabalName(pkg)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Validation("upload is not a valid tar archive")
		}
		if hdr.Name == want || hdr.Name == "./"+want {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, errs.Validation("descriptor file in upload is unreadable")
			}
			return data, nil
		}
	}
	return nil, errs.Validation("upload does not contain %s", want)
}
