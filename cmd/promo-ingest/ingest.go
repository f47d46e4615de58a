package main

import (
	"bufio"
	"context"
	"log/slog"
	"math/bits"
	"os"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pos-checkout/internal/domain/promotion"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	maxFiles      = bits.UintSize
	maxCodeLen    = 32
)

var (
	errSkipLine = errors.New("skip line")

	hundred = decimal.NewFromInt(100)
)

// ingester reads campaign exports in two passes. Pass one builds a bloom
// filter per export. Pass two parses rules and marks codes that some other
// export's filter claims to hold; a code is conflicting only when at least
// two exports confirm it, so filter false positives never drop a code.
type ingester struct {
	files    []string
	capacity uint
}

// fileResult holds what pass two found in a single export.
type fileResult struct {
	candidates map[string]uint
	rules      map[string]promotion.Rule
	skipped    int
}

// upserter persists a promotion rule.
type upserter interface {
	Upsert(ctx context.Context, rule promotion.Rule) error
}

// collect returns the importable rules sorted by code and the set of codes
// dropped because they appear in more than one export.
func (in *ingester) collect(ctx context.Context) ([]promotion.Rule, []string, error) {
	if len(in.files) > maxFiles {
		return nil, nil, errors.Errorf("too many exports: %d (max %d)", len(in.files), maxFiles)
	}

	slog.Info("pass 1: building bloom filters", slog.Int("files", len(in.files)))

	filters, err := in.buildFilters(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: parsing rules and finding conflicts")

	results, err := in.scan(ctx, filters)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scan exports")
	}

	merged := make(map[string]uint)
	for _, r := range results {
		for code, mask := range r.candidates {
			merged[code] |= mask
		}
	}

	conflicting := make(map[string]bool)
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			conflicting[code] = true
		}
	}

	var rules []promotion.Rule
	for _, r := range results {
		for code, rule := range r.rules {
			if !conflicting[code] {
				rules = append(rules, rule)
			}
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Code < rules[j].Code })

	conflicts := make([]string, 0, len(conflicting))
	for code := range conflicting {
		conflicts = append(conflicts, code)
	}
	sort.Strings(conflicts)

	return rules, conflicts, nil
}

func (in *ingester) buildFilters(ctx context.Context) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(in.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range in.files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(in.capacity, bloomFPR)
			var count uint64

			if err := streamGzFile(ctx, path, func(line string) {
				code, ok := codeOf(line)
				if !ok {
					return
				}
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress", slog.String("file", path), slog.Uint64("codes", count))
				}
			}); err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}

			slog.Info("pass 1 complete", slog.String("file", path), slog.Uint64("total_codes", count))

			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

func (in *ingester) scan(ctx context.Context, filters []*bloom.BloomFilter) ([]fileResult, error) {
	results := make([]fileResult, len(in.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range in.files {
		g.Go(func() error {
			res := fileResult{
				candidates: make(map[string]uint),
				rules:      make(map[string]promotion.Rule),
			}
			fileBit := uint(1) << uint(i)
			lineNo := 0

			if err := streamGzFile(ctx, path, func(line string) {
				lineNo++
				rule, err := parseLine(line)
				if err != nil {
					if !errors.Is(err, errSkipLine) {
						res.skipped++
						slog.Warn("skipping invalid row",
							slog.String("file", path),
							slog.Int("line", lineNo),
							slog.String("error", err.Error()),
						)
					}
					return
				}
				res.rules[rule.Code] = rule

				for j, f := range filters {
					if j != i && f.TestString(rule.Code) {
						res.candidates[rule.Code] |= fileBit
						break
					}
				}
			}); err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}

			slog.Info("pass 2 complete",
				slog.String("file", path),
				slog.Int("rules", len(res.rules)),
				slog.Int("candidates", len(res.candidates)),
				slog.Int("skipped", res.skipped),
			)

			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// codeOf extracts the normalized code from an export row.
func codeOf(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	code, _, _ := strings.Cut(line, ",")
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == "CODE" {
		return "", false
	}
	return code, true
}

// parseLine parses a CODE,type,value,min_order_amount row. Value and minimum
// are optional and default to zero.
func parseLine(line string) (promotion.Rule, error) {
	code, ok := codeOf(line)
	if !ok {
		return promotion.Rule{}, errSkipLine
	}
	if len(code) > maxCodeLen || strings.ContainsAny(code, " \t") {
		return promotion.Rule{}, errors.Errorf("malformed code %q", code)
	}

	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 || len(fields) > 4 {
		return promotion.Rule{}, errors.Errorf("expected 2 to 4 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	rule := promotion.Rule{
		ID:           "promo-" + strings.ToLower(code),
		Code:         code,
		DiscountType: promotion.DiscountType(strings.ToLower(fields[1])),
	}
	if !rule.DiscountType.Valid() {
		return promotion.Rule{}, errors.Errorf("unknown discount type %q", fields[1])
	}

	var err error
	if len(fields) > 2 && fields[2] != "" {
		if rule.Value, err = decimal.NewFromString(fields[2]); err != nil {
			return promotion.Rule{}, errors.Wrap(err, "value")
		}
	}
	if len(fields) > 3 && fields[3] != "" {
		if rule.MinOrderAmount, err = decimal.NewFromString(fields[3]); err != nil {
			return promotion.Rule{}, errors.Wrap(err, "min_order_amount")
		}
		if rule.MinOrderAmount.IsNegative() {
			return promotion.Rule{}, errors.New("negative min_order_amount")
		}
	}

	switch rule.DiscountType {
	case promotion.DiscountPercentage:
		if !rule.Value.IsPositive() || rule.Value.GreaterThan(hundred) {
			return promotion.Rule{}, errors.Errorf("percentage %s out of range", rule.Value)
		}
		rule.Description = rule.Value.String() + "% off entire order"
	case promotion.DiscountFixed:
		if !rule.Value.IsPositive() {
			return promotion.Rule{}, errors.Errorf("fixed amount %s must be positive", rule.Value)
		}
		rule.Description = rule.Value.StringFixed(2) + " off your order"
	case promotion.DiscountFreeLowest:
		rule.Value = decimal.Zero
		rule.Description = "Lowest priced item free"
	}

	return rule, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// writePromotions upserts rules one by one.
func writePromotions(ctx context.Context, store upserter, rules []promotion.Rule) error {
	slog.Info("writing promotions to database", slog.Int("count", len(rules)))

	for i, rule := range rules {
		if err := store.Upsert(ctx, rule); err != nil {
			return errors.Wrapf(err, "upsert promotion %s", rule.Code)
		}

		if (i+1)%100 == 0 || i+1 == len(rules) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(rules)))
		}
	}

	return nil
}
