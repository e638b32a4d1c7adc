// dataset_gen.go is a tiny helper utility that generates a deterministic
// set of chunk payload sizes for reproducible benchmarking of
// chunkstore outside `go test` (e.g. feeding a load-testing harness).
// It emits newline-separated byte counts.
//
// Usage:
//
//	go run ./tools/dataset_gen -n 100000 -dist=zipf -seed=42 -out sizes.txt
//
// Flags:
//
//	-n       number of sizes to generate (default 100000)
//	-dist    distribution: "uniform" or "zipf" (default uniform)
//	-min     minimum payload size in bytes (default 64)
//	-max     maximum payload size in bytes (default 1<<20)
//	-zipfs   Zipf s parameter (>1) (default 1.2)
//	-zipfv   Zipf v parameter (>=1) (default 1.0)
//	-seed    PRNG seed (default current time)
//	-out     output file (default stdout)
//
// © 2025 chunkstore authors. MIT License.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

func main() {
	var (
		n       = flag.Int("n", 100_000, "number of sizes to generate")
		dist    = flag.String("dist", "uniform", "distribution: uniform or zipf")
		minSize = flag.Uint64("min", 64, "minimum payload size in bytes")
		maxSize = flag.Uint64("max", 1<<20, "maximum payload size in bytes")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	if *maxSize <= *minSize {
		fmt.Fprintln(os.Stderr, "max must be greater than min")
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seedVal))
	spread := *maxSize - *minSize

	var gen func() uint64
	switch *dist {
	case "uniform":
		gen = func() uint64 { return *minSize + rnd.Uint64()%spread }
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, spread)
		gen = func() uint64 { return *minSize + z.Uint64() }
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	for i := 0; i < *n; i++ {
		fmt.Fprintln(w, gen())
	}
}
