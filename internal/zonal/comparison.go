package zonal

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/zonal-stats/internal/failure"
)

// Comparison is a pixel predicate such as ">= 10".
type Comparison struct {
	Op       string  `json:"op"`
	Baseline float64 `json:"baseline"`
}

// operator symbols, longest first so "<=" wins over "<".
var operatorSymbols = []string{"<=", ">=", "!=", "<", ">", "="}

// ParseComparison parses "<op><number>", for example "<=10" or "> 0.5".
func ParseComparison(s string) (*Comparison, error) {
	s = strings.TrimSpace(s)
	for _, op := range operatorSymbols {
		rest, ok := strings.CutPrefix(s, op)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return nil, failure.New(failure.InvalidRequest, "zonal.comparison", s,
				eris.Wrapf(err, "zonal: invalid comparison baseline %q", rest))
		}
		return &Comparison{Op: op, Baseline: v}, nil
	}
	return nil, failure.Newf(failure.InvalidRequest, "zonal.comparison", s,
		"comparison must start with one of %s", strings.Join(operatorSymbols, " "))
}

// Holds reports whether v satisfies the comparison.
func (c Comparison) Holds(v float64) bool {
	switch c.Op {
	case "<":
		return v < c.Baseline
	case "<=":
		return v <= c.Baseline
	case ">":
		return v > c.Baseline
	case ">=":
		return v >= c.Baseline
	case "=":
		return v == c.Baseline
	case "!=":
		return v != c.Baseline
	}
	return false
}

func (c Comparison) String() string {
	return c.Op + strconv.FormatFloat(c.Baseline, 'g', -1, 64)
}
