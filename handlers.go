package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/plumefield/plume"
)

// uploadField is the multipart field carrying the two CSV logs
const uploadField = "csvs"

// server holds the HTTP dependencies
type server struct {
	pipeline *plume.Pipeline
	state    *plume.StateTracker
	metrics  *plume.Metrics

	// runs share the configured output directories, so they are serialized
	runMu sync.Mutex
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(pipeline *plume.Pipeline, state *plume.StateTracker, metrics *plume.Metrics) http.Handler {
	s := &server{pipeline: pipeline, state: state, metrics: metrics}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/plumes/{file}", s.handlePlume).Methods(http.MethodGet)
	r.HandleFunc("/api/last-run", s.handleLastRun).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", s.handleRuns).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>plumefield</title></head>
<body>
<h1>Upload drone logs</h1>
<form action="/upload" method="post" enctype="multipart/form-data">
<input type="file" name="{{.Field}}" accept=".csv" multiple>
<button type="submit">Process</button>
</form>
{{with .Last}}<p>Last run {{.RunID}}: {{.Status}}, {{.Rows}} rows, {{.Anomalies}} anomalies</p>
<ul>{{range .Artifacts}}<li><a href="/plumes/{{.}}">{{.}}</a></li>{{end}}</ul>{{end}}
</body>
</html>
`))

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Field string
		Last  *plume.RunSummary
	}{Field: uploadField, Last: s.state.LastRun()}
	if err := indexTemplate.Execute(w, data); err != nil {
		log.Printf("Error rendering index: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
	status := struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
		HasRuns   bool      `json:"hasRuns"`
	}{
		Status:    "ok",
		Timestamp: time.Now(),
		HasRuns:   s.state.LastRun() != nil,
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	last := s.state.LastRun()
	if last == nil {
		writeError(w, http.StatusNotFound, "no runs yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Runs())
}

func (s *server) handlePlume(w http.ResponseWriter, r *http.Request) {
	file := mux.Vars(r)["file"]
	if file == "" || file != filepath.Base(file) || strings.HasPrefix(file, ".") {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(s.pipeline.Config.Output.PlumeDir, file))
}

// uploadResponse is returned by a successful upload
type uploadResponse struct {
	RunID      string            `json:"runId"`
	Rows       int               `json:"rows"`
	Dropped    int               `json:"dropped"`
	Anomalies  int               `json:"anomalies"`
	Pollutants []string          `json:"pollutants"`
	URLs       map[string]string `json:"urls"`
	Failures   []string          `json:"failures,omitempty"`
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.pipeline.Config.HTTP.MaxUploadBytes
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File[uploadField]
	if len(files) != 2 {
		writeError(w, http.StatusBadRequest, "Please upload exactly two CSV files: a sensor log and a GPS log")
		return
	}
	for _, fh := range files {
		if !strings.EqualFold(filepath.Ext(fh.Filename), ".csv") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a .csv file", fh.Filename))
			return
		}
	}

	tmpDir, err := os.MkdirTemp("", "plumefield-upload-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create upload directory")
		return
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	var paths [2]string
	for i, fh := range files {
		paths[i] = filepath.Join(tmpDir, fmt.Sprintf("upload-%d.csv", i))
		if err := saveUpload(fh, paths[i]); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("saving %s: %v", fh.Filename, err))
			return
		}
	}
	sensorPath, gpsPath := assignRoles(paths)

	s.runMu.Lock()
	result, err := s.pipeline.Run(r.Context(), sensorPath, gpsPath)
	s.runMu.Unlock()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("[HTTP] upload cancelled by client")
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := uploadResponse{
		RunID:      result.RunID,
		Rows:       result.Rows,
		Dropped:    result.Dropped,
		Anomalies:  result.Anomalies,
		Pollutants: result.Pollutants,
		URLs:       make(map[string]string, len(result.Pollutants)),
	}
	if resp.Pollutants == nil {
		resp.Pollutants = []string{}
	}
	for _, id := range result.Pollutants {
		resp.URLs[id] = "/plumes/" + filepath.Base(result.Artifacts[id].HTML)
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// assignRoles decides which upload is the GPS log from its header, falling
// back to upload order (sensor first) when the headers do not tell
func assignRoles(paths [2]string) (sensorPath, gpsPath string) {
	var roles [2]bool
	var known [2]bool
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		roles[i], known[i] = plume.SniffRole(f)
		_ = f.Close()
	}

	switch {
	case known[0] && known[1] && roles[0] != roles[1]:
		if roles[0] {
			return paths[1], paths[0]
		}
		return paths[0], paths[1]
	case known[0] && !known[1]:
		if roles[0] {
			return paths[1], paths[0]
		}
	case known[1] && !known[0]:
		if !roles[1] {
			return paths[1], paths[0]
		}
	}
	log.Printf("Warning: could not tell the uploads apart by header; using upload order (sensor, GPS)")
	return paths[0], paths[1]
}
