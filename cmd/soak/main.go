// Command soak drives a gbamm.Core through a long random sequence of
// allocate/free calls, logging progress periodically and a final
// summary of allocation, free and failure counts.
package main

import (
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"unsafe"

	"github.com/gmlibc/gbamm"
)

func main() {
	var (
		memBytes  = flag.Int("mem", 1<<20, "backing region size in bytes")
		ops       = flag.Int("ops", 200000, "number of allocate/free operations to run")
		maxSize   = flag.Int("max-size", 2048, "largest single allocation request")
		seed      = flag.Int64("seed", 1, "PRNG seed")
		allocProb = flag.Float64("alloc-prob", 0.6, "probability an op is an allocation rather than a free")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	core, ok := gbamm.NewCore(make([]byte, *memBytes), gbamm.Config{
		PageShift:        12,
		MaxPageOrder:     10,
		FastbinMaxOrder:  7,
		SmallbinMaxOrder: 11,
	})
	if !ok {
		log.Error("core init failed")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	live := make(map[unsafe.Pointer]bool)

	var allocs, frees, failures int
	for i := 0; i < *ops; i++ {
		if len(live) == 0 || rng.Float64() < *allocProb {
			size := uint32(rng.Intn(*maxSize) + 1)
			p, ok := core.Malloc(size)
			if !ok {
				failures++
				continue
			}
			allocs++
			live[p] = true
		} else {
			for p := range live {
				core.Free(p)
				delete(live, p)
				frees++
				break
			}
		}

		if i%20000 == 0 {
			log.Info("progress", "op", i, "live", len(live), "allocs", allocs, "frees", frees, "failures", failures)
		}
	}

	for p := range live {
		core.Free(p)
		frees++
	}

	log.Info("soak complete", "allocs", allocs, "frees", frees, "failures", failures)
}
