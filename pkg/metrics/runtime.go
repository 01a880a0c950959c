package metrics

import (
	"runtime"
	"time"
)

// CollectRuntime samples Go runtime stats into gauges under the given
// prefix every interval, forever. Call it once per process.
func (r *Registry) CollectRuntime(prefix string, interval time.Duration) {
	goroutines := r.Gauge(prefix+"_goroutines", "Live goroutines")
	heapAlloc := r.Gauge(prefix+"_heap_alloc_bytes", "Heap bytes allocated and in use")
	heapObjects := r.Gauge(prefix+"_heap_objects", "Allocated heap objects")
	gcRuns := r.Gauge(prefix+"_gc_runs_total", "Completed GC cycles")

	go func() {
		var ms runtime.MemStats
		for {
			runtime.ReadMemStats(&ms)
			goroutines.Set(int64(runtime.NumGoroutine()))
			heapAlloc.Set(int64(ms.HeapAlloc))
			heapObjects.Set(int64(ms.HeapObjects))
			gcRuns.Set(int64(ms.NumGC))
			time.Sleep(interval)
		}
	}()
}
