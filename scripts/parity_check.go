//go:build ignore

// parity_check compares a running server's /bucket answers with the batch
// bucket functions under the parameters the server reports on /params.
//
//	go run scripts/parity_check.go -url http://localhost:8080
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"ctr-feature-engine/internal/bucket"
)

type bucketRequest struct {
	Feature     string `json:"feature,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Table       string `json:"table,omitempty"`
	Count       int64  `json:"count,omitempty"`
	Numerator   int64  `json:"numerator,omitempty"`
	Denominator int64  `json:"denominator,omitempty"`
}

type bucketResponse struct {
	Bucket            int64  `json:"bucket"`
	ParamsFingerprint string `json:"params_fingerprint"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	flag.Parse()

	var params struct {
		Params      bucket.Params `json:"params"`
		Fingerprint string        `json:"fingerprint"`
	}
	if err := getJSON(*baseURL+"/params", &params); err != nil {
		fail(err)
	}
	p := params.Params
	if got := p.Fingerprint(); got != params.Fingerprint {
		fail(fmt.Errorf("params fingerprint mismatch: server %s, local %s", params.Fingerprint, got))
	}

	mismatches := 0
	check := func(req bucketRequest, want int64) {
		var resp bucketResponse
		if err := postJSON(*baseURL+"/bucket", req, &resp); err != nil {
			fail(err)
		}
		if resp.Bucket != want || resp.ParamsFingerprint != params.Fingerprint {
			mismatches++
			fmt.Printf("MISMATCH %+v: server=%d local=%d\n", req, resp.Bucket, want)
		}
	}

	counts := []int64{-1, 0, 1, 2, 3, 7, 8, 9, 99, 100, 101, 1000, 1 << 20, 1 << 40}
	for _, c := range counts {
		lb, _ := bucket.LogBucket(c, p.Log.Base, p.Log.MaxBucket, p.Log.Scale)
		check(bucketRequest{Kind: "log", Count: c}, int64(lb))
		tb, _ := bucket.TruncateBucket(c, p.TruncateCap)
		check(bucketRequest{Kind: "truncate", Count: c}, tb)
	}
	for name, table := range p.Rate.Tables {
		for _, den := range []int64{0, 1, 10, 100, 1000} {
			for _, num := range []int64{0, 1, 5, 50} {
				if num > den {
					continue
				}
				rb, _ := bucket.ConversionRateBucket(num, den, table, p.Rate.Alpha, p.Rate.Beta)
				check(bucketRequest{Kind: "rate", Table: name, Numerator: num, Denominator: den}, int64(rb))
			}
		}
	}

	bz, err := bucket.NewBucketizer(p)
	if err != nil {
		fail(err)
	}
	for name, bind := range p.Features {
		for _, c := range counts {
			if bind.Transform != bucket.TransformRate {
				want, _ := bz.Feature(name, c, 0)
				check(bucketRequest{Feature: name, Count: c}, want)
				continue
			}
			for _, den := range []int64{0, 10, 1000} {
				want, _ := bz.Feature(name, c, den)
				check(bucketRequest{Feature: name, Numerator: c, Denominator: den}, want)
			}
		}
	}

	fmt.Printf("params %s: %d mismatches\n", params.Fingerprint, mismatches)
	if mismatches > 0 {
		os.Exit(1)
	}
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func postJSON(url string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %d %s", resp.Request.URL, resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
