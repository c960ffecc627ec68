package genomics

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// Region is a genomic interval on one named sequence. Start and End are
// 1-based and inclusive; a zero Start means the beginning of the sequence
// and a zero End means its end.
type Region struct {
	Chrom string
	Start int
	End   int
}

// ParseRegion reads the UCSC notation: "chr1", "chr1:100", "chr1:100-",
// "chr1:-200" or "chr1:100-200". Thousands separators are accepted.
func ParseRegion(s string) (Region, error) {
	s = strings.TrimSpace(s)
	chrom, interval, hasInterval := strings.Cut(s, ":")
	if chrom == "" {
		return Region{}, fmt.Errorf("region %q: missing sequence name", s)
	}
	r := Region{Chrom: chrom}
	if !hasInterval || interval == "" {
		return r, nil
	}
	interval = strings.ReplaceAll(interval, ",", "")
	startStr, endStr, hasEnd := strings.Cut(interval, "-")
	var err error
	if startStr != "" {
		if r.Start, err = strconv.Atoi(startStr); err != nil {
			return Region{}, fmt.Errorf("region %q: start: %w", s, err)
		}
	}
	if hasEnd && endStr != "" {
		if r.End, err = strconv.Atoi(endStr); err != nil {
			return Region{}, fmt.Errorf("region %q: end: %w", s, err)
		}
	}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// Validate checks the coordinates.
func (r Region) Validate() error {
	if r.Chrom == "" {
		return fmt.Errorf("region: missing sequence name")
	}
	if r.Start < 0 || r.End < 0 {
		return fmt.Errorf("region %s: negative coordinate", r)
	}
	if r.End > 0 && r.End < r.Start {
		return fmt.Errorf("region %s: end before start", r)
	}
	return nil
}

func (r Region) String() string {
	switch {
	case r.Start == 0 && r.End == 0:
		return r.Chrom
	case r.End == 0:
		return fmt.Sprintf("%s:%d-", r.Chrom, r.Start)
	default:
		return fmt.Sprintf("%s:%d-%d", r.Chrom, max(r.Start, 1), r.End)
	}
}

// ZeroBased returns the half-open 0-based interval [beg, end).
func (r Region) ZeroBased() (beg, end int) {
	beg = max(r.Start-1, 0)
	end = r.End
	if end == 0 {
		end = math.MaxInt32
	}
	return beg, end
}

// Overlaps reports whether the 0-based half-open interval [beg, end) on
// chrom intersects r.
func (r Region) Overlaps(chrom string, beg, end int) bool {
	if chrom != r.Chrom {
		return false
	}
	rb, re := r.ZeroBased()
	if end <= beg {
		end = beg + 1
	}
	return beg < re && end > rb
}

// ToHtsgetQuery renders the region as htsget query parameters, which use
// 0-based half-open coordinates.
func (r Region) ToHtsgetQuery() url.Values {
	q := url.Values{}
	q.Set("referenceName", r.Chrom)
	beg, _ := r.ZeroBased()
	q.Set("start", strconv.Itoa(beg))
	if r.End > 0 {
		q.Set("end", strconv.Itoa(r.End))
	}
	return q
}

// RegionFromHtsgetQuery is the inverse of ToHtsgetQuery.
func RegionFromHtsgetQuery(q url.Values) (Region, error) {
	r := Region{Chrom: q.Get("referenceName")}
	if s := q.Get("start"); s != "" {
		beg, err := strconv.Atoi(s)
		if err != nil {
			return Region{}, fmt.Errorf("htsget start: %w", err)
		}
		r.Start = beg + 1
	}
	if s := q.Get("end"); s != "" {
		end, err := strconv.Atoi(s)
		if err != nil {
			return Region{}, fmt.Errorf("htsget end: %w", err)
		}
		r.End = end
	}
	return r, r.Validate()
}
