// Package dist exposes the little the data pipeline needs to know about the
// surrounding multi-worker training runtime: which process is the primary
// worker, how many workers there are, and where tensors should live. Each
// worker owns its own dataset instances; nothing here is shared state.
package dist

import (
	"os"
	"strconv"
)

// IsPrimaryWorker reports whether this process is the designated primary
// worker. The rank is taken from the RANK environment variable, falling back
// to LOCAL_RANK. Single-process runs (neither set) count as primary.
func IsPrimaryWorker() bool {
	return rankFromEnv() == 0
}

// WorldSize returns the number of worker processes, defaulting to 1 when
// WORLD_SIZE is unset or malformed.
func WorldSize() int {
	raw := os.Getenv("WORLD_SIZE")
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func rankFromEnv() int {
	for _, key := range []string{"RANK", "LOCAL_RANK"} {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		rank, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		return rank
	}
	return 0
}
