// Package control implements the node's local admin HTTP surface: plain
// routes over the content index and replication engine, matching the
// original file-server's Flask-style request/response shapes (bare
// "success"/"Not Found" strings for mutating routes, not a JSON
// envelope).
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/beenet-mesh/meshfs/pkg/index"
	"github.com/beenet-mesh/meshfs/pkg/replication"
	"github.com/beenet-mesh/meshfs/pkg/wire/cborcanon"
)

// Server implements the admin HTTP API over one node's index and engine.
type Server struct {
	idx    *index.Index
	engine *replication.Engine
	mux    *http.ServeMux
}

// NewServer builds a Server. engine may be nil if replication has not
// been started, in which case getStatus and cancel report accordingly.
func NewServer(idx *index.Index, engine *replication.Engine) *Server {
	s := &Server{idx: idx, engine: engine}
	mux := http.NewServeMux()
	mux.HandleFunc("/getNode/", s.handleGetNode)
	mux.HandleFunc("/getFile/", s.handleGetFile)
	mux.HandleFunc("/getSrc", s.handleGetSrc)
	mux.HandleFunc("/getStatus", s.handleGetStatus)
	mux.HandleFunc("/uploadData", s.handleUploadData)
	mux.HandleFunc("/mkdir", s.handleMkdir)
	mux.HandleFunc("/deleteNode/", s.handleDeleteNode)
	mux.HandleFunc("/cancel/", s.handleCancel)
	s.mux = mux
	return s
}

// Serve runs the HTTP server on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		srv.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func pathID(prefix, path string) string {
	return strings.TrimPrefix(path, prefix)
}

// handleGetNode serves GET /getNode/<id>.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := pathID("/getNode/", r.URL.Path)
	data, err := s.idx.GetNode(id)
	if err != nil {
		writeJSONNull(w)
		return
	}

	var dict interface{}
	if err := cborcanon.Unmarshal(data, &dict); err != nil {
		// A CHUNK hash: GetNode returned raw bytes, not a dictionary.
		writeJSON(w, map[string]interface{}{"data_len": len(data)})
		return
	}
	writeJSON(w, dict)
}

// handleGetFile serves GET /getFile/<id>: reassembles every CHUNK child
// of the FILE in order and returns the bytes as an attachment.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := pathID("/getFile/", r.URL.Path)
	node := s.idx.GetNodeObj(id)
	if node == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	children := s.idx.GetChildren(id, true)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", node.Name))
	w.Header().Set("Content-Type", "application/octet-stream")

	for _, ch := range children {
		data, err := s.idx.GetNode(ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
	}
}

// handleGetSrc serves GET /getSrc.
func (s *Server) handleGetSrc(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"src": s.idx.SourceHash()})
}

// handleGetStatus serves GET /getStatus.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"src": s.idx.SourceHash(),
	}
	if s.engine != nil {
		status["desired_count"] = s.engine.DesiredCount()
	}
	writeJSON(w, status)
}

// handleUploadData serves POST /uploadData (multipart, fields "file",
// "parent").
func (s *Server) handleUploadData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parent := r.FormValue("parent")

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	hash, err := s.idx.AddFile(header.Filename, parent, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"hash": hash})
}

// handleMkdir serves POST /mkdir (form fields "name", "parent").
func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.FormValue("name")
	parent := r.FormValue("parent")

	hash, err := s.idx.AddDir(name, parent)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"hash": hash})
}

// handleDeleteNode serves GET /deleteNode/<id>, returning a bare
// "success" or "Not Found" body.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := pathID("/deleteNode/", r.URL.Path)
	if err := s.idx.RemoveHash(id); err != nil {
		fmt.Fprint(w, "Not Found")
		return
	}
	fmt.Fprint(w, "success")
}

// handleCancel serves GET /cancel/<id>.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := pathID("/cancel/", r.URL.Path)
	if s.engine != nil {
		s.engine.Cancel(id)
	}
	fmt.Fprint(w, "success")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSONNull(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "null")
}
