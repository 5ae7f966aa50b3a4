package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"ctr-feature-engine/internal/bucket"
	"ctr-feature-engine/internal/types"
)

// Commands lists the CLI commands in help order.
var Commands = []string{"run", "backfill", "advance", "lookup", "thresholds", "export"}

// Run executes one CLI command. JSON payloads are read from stdin and results
// are written to stdout as JSON.
func (a *App) Run(ctx context.Context, cmd string, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch cmd {
	case "run":
		date := fs.String("date", "", "run date YYYYMMDD")
		if err := fs.Parse(args); err != nil {
			return err
		}
		d, err := types.ParseDate(*date)
		if err != nil {
			return err
		}
		p, err := a.Pipeline(ctx)
		if err != nil {
			return err
		}
		report, err := p.Run(ctx, d)
		if err != nil {
			return err
		}
		return enc.Encode(report)

	case "backfill":
		from := fs.String("from", "", "first date YYYYMMDD")
		to := fs.String("to", "", "last date YYYYMMDD")
		if err := fs.Parse(args); err != nil {
			return err
		}
		p, err := a.Pipeline(ctx)
		if err != nil {
			return err
		}
		reports, err := p.Backfill(ctx, types.Date(*from), types.Date(*to))
		if encErr := enc.Encode(reports); encErr != nil && err == nil {
			err = encErr
		}
		return err

	case "advance":
		feature := fs.String("feature", "", "dictionary feature name")
		date := fs.String("date", "", "snapshot date YYYYMMDD")
		if err := fs.Parse(args); err != nil {
			return err
		}
		d, err := types.ParseDate(*date)
		if err != nil {
			return err
		}
		var candidates map[string]int64
		if err := json.NewDecoder(stdin).Decode(&candidates); err != nil {
			return fmt.Errorf("decode candidates: %w", err)
		}
		res, err := a.Dictionary.Advance(ctx, *feature, d, candidates)
		if err != nil {
			return err
		}
		if err := a.Dictionary.Verify(*feature); err != nil {
			return err
		}
		return enc.Encode(res)

	case "lookup":
		feature := fs.String("feature", "", "dictionary feature name")
		value := fs.String("value", "", "raw categorical value")
		asOf := fs.String("as_of", "", "snapshot date YYYYMMDD")
		if err := fs.Parse(args); err != nil {
			return err
		}
		d, err := types.ParseDate(*asOf)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]any{
			"feature": *feature,
			"value":   *value,
			"as_of":   d,
			"code":    a.Dictionary.Lookup(*feature, *value, d),
		})

	case "thresholds":
		minProportion := fs.Float64("min_proportion", bucket.DefaultMinSampleProportion, "minimum sample share per bucket")
		minPositives := fs.Int64("min_positives", bucket.DefaultMinPositives, "minimum positives per bucket")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var samples []bucket.RateSample
		if err := json.NewDecoder(stdin).Decode(&samples); err != nil {
			return fmt.Errorf("decode rate samples: %w", err)
		}
		thresholds := bucket.DeriveThresholds(samples, *minProportion, *minPositives)
		if err := bucket.ValidateThresholds(thresholds); err != nil {
			return err
		}
		return enc.Encode(thresholds)

	case "export":
		asOf := fs.String("as_of", "", "snapshot date YYYYMMDD")
		if err := fs.Parse(args); err != nil {
			return err
		}
		d, err := types.ParseDate(*asOf)
		if err != nil {
			return err
		}
		dicts, err := a.Dictionary.Export(d)
		if err != nil {
			return err
		}
		features := make([]string, 0, len(dicts))
		for f := range dicts {
			features = append(features, f)
		}
		sort.Strings(features)
		return enc.Encode(map[string]any{
			"as_of":        d,
			"features":     features,
			"dictionaries": dicts,
		})

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}
