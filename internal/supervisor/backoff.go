package supervisor

import "math"

// MaxAttempts bounds the retry loop.
const MaxAttempts = 10

// baseMs is the backoff base.
const baseMs = 1

// Delay computes delay(i) = floor(baseMs * 3^i / 1000) seconds, the
// exponential backoff schedule. For i in [0,10) this yields
// 0,0,0,0,0,0,0,2,6,19 — the first attempt is effectively immediate.
func Delay(i int) int {
	return int(math.Floor(baseMs * math.Pow(3.0, float64(i)) / 1000.0))
}
