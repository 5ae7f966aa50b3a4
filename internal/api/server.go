package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/encoder"
	"ctr-feature-engine/internal/metrics"
	"ctr-feature-engine/internal/types"
)

// Resolver serves categorical codes. Both *dictionary.Dictionary and
// *publish.Bundle satisfy it.
type Resolver interface {
	Lookup(feature, value string, asOf types.Date) int32
	Sizes(asOf types.Date) (map[string]int32, error)
}

type Server struct {
	codes   Resolver
	buckets *bucket.Bucketizer
	logger  *zap.Logger
	started time.Time
}

func NewServer(codes Resolver, buckets *bucket.Bucketizer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		codes:   codes,
		buckets: buckets,
		logger:  logger,
		started: time.Now(),
	}
}

// BucketRequest asks for one bucket computation. With Feature set, the
// feature's bound transform and overrides apply and Kind may be omitted;
// otherwise Cap and MaxBucket override the global parameters when > 0.
type BucketRequest struct {
	Feature     string       `json:"feature,omitempty"`
	Kind        encoder.Kind `json:"kind"` // "log" | "truncate" | "rate"
	Table       string       `json:"table,omitempty"`
	Count       int64        `json:"count,omitempty"`
	Numerator   int64        `json:"numerator,omitempty"`
	Denominator int64        `json:"denominator,omitempty"`
	Cap         int64        `json:"cap,omitempty"`
	MaxBucket   int          `json:"max_bucket,omitempty"`
}

type BucketResponse struct {
	Feature           string       `json:"feature,omitempty"`
	Kind              encoder.Kind `json:"kind"`
	Bucket            int64        `json:"bucket"`
	ParamsFingerprint string       `json:"params_fingerprint"`
}

type LookupResponse struct {
	Feature string     `json:"feature"`
	Value   string     `json:"value"`
	AsOf    types.Date `json:"as_of"`
	Code    int32      `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    "ctr-feature-engine",
		"ok":         true,
		"time_utc":   time.Now().UTC().Format(time.RFC3339),
		"endpoints":  []string{"/health", "/stats", "/lookup", "/bucket", "/params", "/metrics"},
		"api_schema": 1,
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"time_utc":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// asOf reads the as_of query parameter, defaulting to the current UTC day.
func asOf(r *http.Request) (types.Date, bool) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return types.DateOf(time.Now()), true
	}
	d, err := types.ParseDate(raw)
	return d, err == nil
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	date, ok := asOf(r)
	if !ok {
		http.Error(w, "as_of must be YYYYMMDD", http.StatusBadRequest)
		return
	}
	sizes, err := s.codes.Sizes(date)
	if err != nil {
		s.logger.Error("dictionary sizes failed", zap.Error(err))
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"as_of":              date,
		"dictionary_sizes":   sizes,
		"params_version":     s.buckets.Params().Version,
		"params_fingerprint": s.buckets.Params().Fingerprint(),
	})
}

func (s *Server) HandleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	feature := q.Get("feature")
	if feature == "" {
		http.Error(w, "feature is required", http.StatusBadRequest)
		return
	}
	date, ok := asOf(r)
	if !ok {
		http.Error(w, "as_of must be YYYYMMDD", http.StatusBadRequest)
		return
	}

	value := q.Get("value")
	code := int32(0)
	if value != "" {
		code = s.codes.Lookup(feature, value, date)
	}
	if code == 0 {
		metrics.LookupRequests.WithLabelValues("unknown").Inc()
	} else {
		metrics.LookupRequests.WithLabelValues("hit").Inc()
	}
	writeJSON(w, http.StatusOK, LookupResponse{Feature: feature, Value: value, AsOf: date, Code: code})
}

// HandleBucket runs the same Bucketizer the batch encoder uses, so serving
// and training agree on every bucket index.
func (s *Server) HandleBucket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Cap < 0 || req.MaxBucket < 0 {
		http.Error(w, "cap and max_bucket must be >= 0", http.StatusBadRequest)
		return
	}
	if req.Feature != "" {
		s.handleFeatureBucket(w, req)
		return
	}

	var b int64
	switch req.Kind {
	case encoder.KindLog:
		if req.MaxBucket > 0 {
			b = int64(s.buckets.LogCapped(req.Count, req.MaxBucket))
		} else {
			b = int64(s.buckets.Log(req.Count))
		}
	case encoder.KindTruncate:
		if req.Cap > 0 {
			b = s.buckets.TruncateAt(req.Count, req.Cap)
		} else {
			b = s.buckets.Truncate(req.Count)
		}
	case encoder.KindRate:
		rb, ok := s.buckets.Rate(req.Table, req.Numerator, req.Denominator)
		if !ok {
			http.Error(w, "unknown threshold table", http.StatusBadRequest)
			return
		}
		b = int64(rb)
	default:
		http.Error(w, "kind must be log, truncate or rate", http.StatusBadRequest)
		return
	}
	metrics.BucketRequests.WithLabelValues(string(req.Kind)).Inc()

	writeJSON(w, http.StatusOK, BucketResponse{
		Kind:              req.Kind,
		Bucket:            b,
		ParamsFingerprint: s.buckets.Params().Fingerprint(),
	})
}

func (s *Server) handleFeatureBucket(w http.ResponseWriter, req BucketRequest) {
	bind, ok := s.buckets.Binding(req.Feature)
	if !ok {
		http.Error(w, "unknown feature", http.StatusBadRequest)
		return
	}
	kind := encoder.Kind(bind.Transform)
	if req.Kind != "" && req.Kind != kind {
		http.Error(w, fmt.Sprintf("feature %q is bound to %s", req.Feature, kind), http.StatusBadRequest)
		return
	}
	if req.Cap != 0 || req.MaxBucket != 0 || req.Table != "" {
		http.Error(w, "cap, max_bucket and table come from the feature binding", http.StatusBadRequest)
		return
	}

	a := req.Count
	if kind == encoder.KindRate {
		a = req.Numerator
	}
	b, _ := s.buckets.Feature(req.Feature, a, req.Denominator)
	metrics.BucketRequests.WithLabelValues(string(kind)).Inc()

	writeJSON(w, http.StatusOK, BucketResponse{
		Feature:           req.Feature,
		Kind:              kind,
		Bucket:            b,
		ParamsFingerprint: s.buckets.Params().Fingerprint(),
	})
}

func (s *Server) HandleParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p := s.buckets.Params()
	writeJSON(w, http.StatusOK, map[string]any{
		"params":      p,
		"fingerprint": p.Fingerprint(),
	})
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleRoot)
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/stats", s.HandleStats)
	mux.HandleFunc("/lookup", s.HandleLookup)
	mux.HandleFunc("/bucket", s.HandleBucket)
	mux.HandleFunc("/params", s.HandleParams)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start(addr string) error {
	s.logger.Info("API server listening", zap.String("addr", addr))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
