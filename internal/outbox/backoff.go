// Package outbox implements the durable outbox scheduler (spec.md §4.3,
// C3): lane-partitioned due-event fetch and dispatch, deterministic
// retry, dead-letter promotion, crash recovery, and checkpoint
// advancement.
package outbox

import (
	"hash/fnv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is a pure, deterministic function of (event_type,
// attempt_count, id) producing a bounded integer number of seconds in
// [1, 60] (spec.md §4.3, §8 invariant 8: "given the same inputs, the
// same value"). It folds attempt_count through the exponential curve
// shaped by cenkalti/backoff's ExponentialBackOff (teacher go.mod, used
// elsewhere for the extractor oracle's retry), then applies a
// deterministic jitter derived from an FNV hash of the inputs rather
// than the library's own randomized jitter, since wall-clock randomness
// would break reproducibility.
func Backoff(eventType string, attemptCount int, id int64) int {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0
	eb.MaxInterval = 60 * time.Second

	interval := eb.InitialInterval
	for i := 0; i < attemptCount; i++ {
		next := time.Duration(float64(interval) * eb.Multiplier)
		if next > eb.MaxInterval {
			next = eb.MaxInterval
		}
		interval = next
	}
	base := int(interval / time.Second)
	if base < 1 {
		base = 1
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(eventType))
	_, _ = h.Write([]byte{byte(attemptCount)})
	idBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		idBytes[i] = byte(id >> (8 * i))
	}
	_, _ = h.Write(idBytes)
	jitter := int(h.Sum32() % 5) // 0..4 seconds of deterministic spread

	total := base + jitter
	if total < 1 {
		total = 1
	}
	if total > 60 {
		total = 60
	}
	return total
}
