package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/dictionary"
	"ctr-feature-engine/internal/encoder"
	"ctr-feature-engine/internal/publish"
	"ctr-feature-engine/internal/types"
)

func newTestServer(t *testing.T) (*Server, bucket.Params) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	dict := dictionary.New(dictionary.NewMemoryStore(), dictionary.Options{MinSupport: 1}, logger)
	_, err := dict.Advance(context.Background(), "country", "20240101", map[string]int64{"US": 5, "FR": 5})
	require.NoError(t, err)
	_, err = dict.Advance(context.Background(), "country", "20240102", map[string]int64{"DE": 5})
	require.NoError(t, err)

	p := bucket.DefaultParams()
	p.Rate.Tables["ctr"] = []float64{0, 0.02, 0.04}
	bz, err := bucket.NewBucketizer(p)
	require.NoError(t, err)
	return NewServer(dict, bz, logger), p
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLookup(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Router()

	cases := []struct {
		target string
		code   int32
	}{
		{"/lookup?feature=country&value=US&as_of=20240101", 2},
		{"/lookup?feature=country&value=FR&as_of=20240101", 1},
		{"/lookup?feature=country&value=DE&as_of=20240101", 0},
		{"/lookup?feature=country&value=DE&as_of=20240102", 3},
		{"/lookup?feature=country&value=DE&as_of=20231231", 0},
		{"/lookup?feature=country&as_of=20240102", 0},
		{"/lookup?feature=device&value=ios&as_of=20240102", 0},
	}
	for _, c := range cases {
		rec := do(t, h, http.MethodGet, c.target, "")
		require.Equal(t, http.StatusOK, rec.Code, c.target)
		var resp LookupResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, c.code, resp.Code, c.target)
	}

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/lookup?value=US", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/lookup?feature=country&as_of=2024-01-01", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/lookup?feature=country", "").Code)
}

func TestBucketMatchesBatchFunctions(t *testing.T) {
	srv, p := newTestServer(t)
	h := srv.Router()

	bucketOf := func(body string) int64 {
		rec := do(t, h, http.MethodPost, "/bucket", body)
		require.Equal(t, http.StatusOK, rec.Code, body)
		var resp BucketResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, p.Fingerprint(), resp.ParamsFingerprint)
		return resp.Bucket
	}

	for _, count := range []int64{0, 1, 7, 8, 1000, 1 << 30} {
		want, err := bucket.LogBucket(count, p.Log.Base, p.Log.MaxBucket, p.Log.Scale)
		require.NoError(t, err)
		assert.Equal(t, int64(want), bucketOf(`{"kind":"log","count":`+jsonInt(count)+`}`))

		wantT, err := bucket.TruncateBucket(count, p.TruncateCap)
		require.NoError(t, err)
		assert.Equal(t, wantT, bucketOf(`{"kind":"truncate","count":`+jsonInt(count)+`}`))
	}
	assert.Equal(t, int64(3), bucketOf(`{"kind":"truncate","count":10,"cap":3}`))
	assert.Equal(t, int64(2), bucketOf(`{"kind":"log","count":1000,"max_bucket":2}`))

	want, err := bucket.ConversionRateBucket(3, 100, p.Rate.Tables["ctr"], p.Rate.Alpha, p.Rate.Beta)
	require.NoError(t, err)
	assert.Equal(t, int64(want), bucketOf(`{"kind":"rate","table":"ctr","numerator":3,"denominator":100}`))
	assert.Equal(t, int64(0), bucketOf(`{"kind":"rate","table":"ctr","numerator":3,"denominator":0}`))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/bucket", `{"kind":"rate","table":"cvr"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/bucket", `{"kind":"hash"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/bucket", `{"kind":"truncate","cap":-1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/bucket", `not json`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/bucket", "").Code)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestStatsParamsAndInfo(t *testing.T) {
	srv, p := newTestServer(t)
	h := srv.Router()

	rec := do(t, h, http.MethodGet, "/stats?as_of=20240101", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Sizes       map[string]int32 `json:"dictionary_sizes"`
		Fingerprint string           `json:"params_fingerprint"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, map[string]int32{"country": 2}, stats.Sizes)
	assert.Equal(t, p.Fingerprint(), stats.Fingerprint)

	rec = do(t, h, http.MethodGet, "/params", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var params struct {
		Params      bucket.Params `json:"params"`
		Fingerprint string        `json:"fingerprint"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &params))
	assert.Equal(t, p.Fingerprint(), params.Params.Fingerprint())

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)

	do(t, h, http.MethodGet, "/lookup?feature=country&value=US&as_of=20240101", "")
	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ctrfeat_api_lookup_requests_total")
}

func TestFeatureBucketsMatchEncoder(t *testing.T) {
	logger := zaptest.NewLogger(t)
	schema := encoder.Schema{
		Labels: []string{"click"},
		Features: []encoder.FeatureSpec{
			{Name: "user_age", Entity: types.EntityUser, Kind: encoder.KindTruncate, Column: "age", Cap: 80},
			{Name: "user_sessions", Entity: types.EntityUser, Kind: encoder.KindTruncate, Column: "sessions", Lagged: true},
			{Name: "user_clicks", Entity: types.EntityUser, Kind: encoder.KindLog, Column: "clicks", MaxBucket: 3, Lagged: true},
			{Name: "item_ctr", Entity: types.EntityItem, Kind: encoder.KindRate, Numerator: "clicks", Denominator: "exposures", Table: "ctr", Lagged: true},
		},
	}
	p := bucket.DefaultParams()
	p.Rate.Tables["ctr"] = []float64{0, 0.02, 0.04}
	bz, err := bucket.NewBucketizer(schema.BucketParams(p))
	require.NoError(t, err)

	dict := dictionary.New(dictionary.NewMemoryStore(), dictionary.Options{}, logger)
	enc, err := encoder.New(schema, dict, bz)
	require.NoError(t, err)
	h := NewServer(dict, bz, logger).Router()

	serve := func(req BucketRequest) int64 {
		body, err := json.Marshal(req)
		require.NoError(t, err)
		rec := do(t, h, http.MethodPost, "/bucket", string(body))
		require.Equal(t, http.StatusOK, rec.Code, string(body))
		var resp BucketResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, bz.Params().Fingerprint(), resp.ParamsFingerprint)
		return resp.Bucket
	}

	for _, n := range []int64{-5, 0, 1, 7, 60, 80, 95, 150, 1 << 20} {
		user := enc.Encode(types.RawEntityRecord{
			EntityID: "u1", Kind: types.EntityUser, Date: "20240102",
			Counters: map[string]int64{"age": n, "sessions": n, "clicks": n},
		})
		for _, name := range []string{"user_age", "user_sessions", "user_clicks"} {
			assert.Equal(t, user.Value(name), serve(BucketRequest{Feature: name, Count: n}), "%s count=%d", name, n)
		}

		for _, den := range []int64{0, 10, 1000} {
			item := enc.Encode(types.RawEntityRecord{
				EntityID: "i1", Kind: types.EntityItem, Date: "20240102",
				Counters: map[string]int64{"clicks": n, "exposures": den},
			})
			assert.Equal(t, item.Value("item_ctr"),
				serve(BucketRequest{Feature: "item_ctr", Numerator: n, Denominator: den}), "ctr %d/%d", n, den)
		}
	}

	assert.Equal(t, int64(80), serve(BucketRequest{Feature: "user_age", Kind: encoder.KindTruncate, Count: 95}))
	assert.Equal(t, int64(95), serve(BucketRequest{Kind: encoder.KindTruncate, Count: 95}), "global cap is 100")

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/bucket", `{"feature":"nope","count":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/bucket", `{"feature":"user_age","kind":"log","count":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/bucket", `{"feature":"user_age","cap":5,"count":1}`).Code)
}

var (
	_ Resolver = (*dictionary.Dictionary)(nil)
	_ Resolver = (*publish.Bundle)(nil)
)
