package logger

import (
	"sync"
	"sync/atomic"
)

type levelCount struct {
	warns  int64
	errors int64
}

var counts sync.Map // component -> *levelCount

func countFor(component string) *levelCount {
	v, _ := counts.LoadOrStore(component, &levelCount{})
	return v.(*levelCount)
}

func recordWarn(component string) {
	atomic.AddInt64(&countFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&countFor(component).errors, 1)
}

// LevelCounts is the number of warnings and errors logged by one component.
type LevelCounts struct {
	Warns  int64 `json:"warns"`
	Errors int64 `json:"errors"`
}

// Counts returns warn/error totals keyed by component.
func Counts() map[string]LevelCounts {
	out := map[string]LevelCounts{}
	counts.Range(func(k, v any) bool {
		c := v.(*levelCount)
		out[k.(string)] = LevelCounts{
			Warns:  atomic.LoadInt64(&c.warns),
			Errors: atomic.LoadInt64(&c.errors),
		}
		return true
	})
	return out
}
