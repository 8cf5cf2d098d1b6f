package stream

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Standard budget metrics.
const (
	NumRequests = "num_requests"
	DollarPrice = "price"
)

// Budget maps metric names to non-negative amounts.
type Budget map[string]float64

// Add returns the metric-wise sum of b and o.
func (b Budget) Add(o Budget) Budget {
	out := make(Budget, len(b)+len(o))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range o {
		out[k] += v
	}
	return out
}

// Get returns the amount of a metric, zero when absent.
func (b Budget) Get(metric string) float64 { return b[metric] }

func (b Budget) String() string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, b[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Limit bounds some budget metrics. Metrics without a bound are unconstrained.
type Limit map[string]float64

// ExceededBy reports whether some bounded metric of b strictly exceeds its bound.
func (l Limit) ExceededBy(b Budget) bool {
	for k, bound := range l {
		if b[k] > bound {
			return true
		}
	}
	return false
}

// ParseLimit parses "metric=value" pairs such as "num_requests=10".
func ParseLimit(pairs []string) (Limit, error) {
	l := make(Limit, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid budget entry %q: expected metric=value", p)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid budget value for %s: %w", k, err)
		}
		if f < 0 || math.IsNaN(f) {
			return nil, fmt.Errorf("negative budget for %s", k)
		}
		l[strings.TrimSpace(k)] = f
	}
	return l, nil
}
