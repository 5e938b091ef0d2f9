package sqlgen

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/seanankenbruck/impact-query/internal/planner"
)

// Dialect is a target SQL flavour
type Dialect string

const (
	ClickHouse Dialect = "clickhouse"
	Postgres   Dialect = "postgres"
)

// ParseDialect validates a dialect name
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case ClickHouse:
		return ClickHouse, nil
	case Postgres, "postgresql":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", s)
	}
}

var paramTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

func (d Dialect) quote(ident string) string {
	if d == ClickHouse {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (d Dialect) column(table, column string) string {
	return d.quote(table) + "." + d.quote(column)
}

// placeholder renders the n-th (1-based) bound parameter
func (d Dialect) placeholder(n int, typ string) string {
	if d == ClickHouse {
		return fmt.Sprintf("{p%d:%s}", n, typ)
	}
	return fmt.Sprintf("$%d", n)
}

// timeBucket wraps col in the truncation function for granularity. Unknown
// granularities fall back to day buckets.
func (d Dialect) timeBucket(granularity, col string) string {
	if d == ClickHouse {
		switch granularity {
		case planner.GranularityHour:
			return "toStartOfHour(" + col + ")"
		case planner.GranularityWeek:
			return "toStartOfWeek(" + col + ")"
		case planner.GranularityMonth:
			return "toStartOfMonth(" + col + ")"
		case planner.GranularityQuarter:
			return "toStartOfQuarter(" + col + ")"
		case planner.GranularityYear:
			return "toStartOfYear(" + col + ")"
		default:
			return "toStartOfDay(" + col + ")"
		}
	}

	unit := granularity
	if !planner.ValidGranularities[unit] {
		unit = planner.GranularityDay
	}
	return fmt.Sprintf("date_trunc('%s', %s)", unit, col)
}

func (d Dialect) aggregate(fn, col string) (string, error) {
	switch fn {
	case "sum":
		return "SUM(" + col + ")", nil
	case "count":
		return "COUNT(" + col + ")", nil
	case "count_distinct":
		return "COUNT(DISTINCT " + col + ")", nil
	case "avg":
		return "AVG(" + col + ")", nil
	case "min":
		return "MIN(" + col + ")", nil
	case "max":
		return "MAX(" + col + ")", nil
	default:
		return "", fmt.Errorf("unsupported aggregation %q", fn)
	}
}

var comparison = map[string]string{
	planner.OpEq:   "=",
	planner.OpNeq:  "<>",
	planner.OpGt:   ">",
	planner.OpGte:  ">=",
	planner.OpLt:   "<",
	planner.OpLte:  "<=",
	planner.OpLike: "LIKE",
}
