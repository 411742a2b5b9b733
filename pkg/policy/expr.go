package policy

import (
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ScheduleContext is the environment a custom schedule Expression evaluates
// against. Field names are part of the expression surface operators write
// against, so they stay stable once published.
type ScheduleContext struct {
	Domain    string
	ClientIP  string
	QueryType string
	Hour      int
	Minute    int
	Day       int // day of month
	Month     int
	Weekday   string // "Mon".."Sun"
	Time      time.Time
}

func newScheduleContext(queryName, clientIP, queryType string, now time.Time) ScheduleContext {
	return ScheduleContext{
		Domain:    Normalize(queryName),
		ClientIP:  clientIP,
		QueryType: queryType,
		Hour:      now.Hour(),
		Minute:    now.Minute(),
		Day:       now.Day(),
		Month:     int(now.Month()),
		Weekday:   now.Weekday().String()[:3],
		Time:      now,
	}
}

func exprOptions() []expr.Option {
	return []expr.Option{
		expr.Env(ScheduleContext{}),
		expr.Function("DomainMatches", func(params ...any) (any, error) {
			domain := params[0].(string)
			pattern := params[1].(string)
			return domain == pattern, nil
		}),
		expr.Function("DomainEndsWith", func(params ...any) (any, error) {
			domain := params[0].(string)
			suffix := params[1].(string)
			return strings.HasSuffix(domain, suffix), nil
		}),
		expr.Function("DomainStartsWith", func(params ...any) (any, error) {
			domain := params[0].(string)
			prefix := params[1].(string)
			return strings.HasPrefix(domain, prefix), nil
		}),
		expr.Function("DomainRegex", func(params ...any) (any, error) {
			domain := params[0].(string)
			pattern := params[1].(string)
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, err
			}
			return re.MatchString(domain), nil
		}),
		expr.Function("DomainLevelCount", func(params ...any) (any, error) {
			domain := params[0].(string)
			return len(strings.Split(domain, ".")), nil
		}),
		expr.Function("IPInCIDR", func(params ...any) (any, error) {
			ipStr := params[0].(string)
			cidr := params[1].(string)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				return false, nil
			}
			_, network, err := net.ParseCIDR(cidr)
			if err != nil {
				return false, err
			}
			return network.Contains(ip), nil
		}),
		expr.Function("IPEquals", func(params ...any) (any, error) {
			return params[0].(string) == params[1].(string), nil
		}),
		expr.Function("QueryTypeIn", func(params ...any) (any, error) {
			qtype := params[0].(string)
			for _, t := range params[1:] {
				if s, ok := t.(string); ok && s == qtype {
					return true, nil
				}
			}
			return false, nil
		}),
		expr.Function("IsWeekend", func(params ...any) (any, error) {
			wd := params[0].(string)
			return wd == "Sat" || wd == "Sun", nil
		}),
		expr.Function("InTimeRange", func(params ...any) (any, error) {
			hour := params[0].(int)
			minute := params[1].(int)
			startH, startM := params[2].(int), params[3].(int)
			endH, endM := params[4].(int), params[5].(int)
			nowMin := hour*60 + minute
			startMin := startH*60 + startM
			endMin := endH*60 + endM
			if startMin > endMin {
				return nowMin >= startMin || nowMin < endMin, nil
			}
			return nowMin >= startMin && nowMin < endMin, nil
		}),
	}
}

// exprCache memoizes compiled programs by expression source so repeated
// evaluation across refreshes does not recompile unchanged schedules.
var exprCache sync.Map // map[string]*vm.Program

func compileExpression(source string) (*vm.Program, error) {
	if cached, ok := exprCache.Load(source); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(source, exprOptions()...)
	if err != nil {
		return nil, err
	}
	exprCache.Store(source, program)
	return program, nil
}

// evalCustomSchedule compiles (if needed) and evaluates a custom schedule's
// Expression, returning its boolean result. A compile or eval error is
// treated as "does not match" so a malformed expression never blocks
// resolution.
func evalCustomSchedule(s Schedule, ctx ScheduleContext) bool {
	program, err := compileExpression(s.Expression)
	if err != nil {
		return false
	}
	out, err := vm.Run(program, ctx)
	if err != nil {
		return false
	}
	matched, _ := out.(bool)
	return matched
}
