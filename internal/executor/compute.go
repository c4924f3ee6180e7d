package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/task"
)

// computePayload is the structured shape of a "compute" task's opaque
// payload, grounded on the original tasks/prime_task.py: a limit and a
// choice of two sieve/trial-division methods, only the latter of which
// supports checkpoint resume.
type computePayload struct {
	Limit  int    `json:"limit"`
	Method string `json:"method"`
}

// NewComputeHandler builds the bundled "compute" task handler. checkpointStride
// is the cursor interval at which trial_division persists a checkpoint
// (CHECKPOINT_INTERVAL upstream); maxLimit caps the requested limit the
// way PRIMES_MAX_LIMIT does in the original.
func NewComputeHandler(checkpointStride, maxLimit int) Handler {
	if checkpointStride <= 0 {
		checkpointStride = 100000
	}
	if maxLimit <= 0 {
		maxLimit = 1000000
	}

	return func(ctx context.Context, taskID string, payload json.RawMessage, cp Checkpointer) (map[string]interface{}, error) {
		var p computePayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("compute: invalid payload: %w", err)
			}
		}
		if p.Limit <= 0 {
			p.Limit = 100000
		}
		if p.Method == "" {
			p.Method = "sieve"
		}

		requestedLimit := 0
		if p.Limit > maxLimit {
			requestedLimit = p.Limit
			p.Limit = maxLimit
		}

		checkpoint, err := cp.LoadCheckpoint(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("compute: load checkpoint: %w", err)
		}

		var (
			primes          []int
			startNum        = 2
			wasResumed      bool
			checkpointTime  float64
			resumeStartedAt time.Time
		)
		start := time.Now()
		if checkpoint != nil {
			if err := json.Unmarshal(checkpoint.Partial, &primes); err != nil {
				return nil, fmt.Errorf("compute: decode checkpoint partial: %w", err)
			}
			startNum = int(checkpoint.LastChecked) + 1
			checkpointTime = checkpoint.ElapsedTime
			wasResumed = true
			resumeStartedAt = start
		}

		// Checkpoint writes run asynchronously relative to the trial-division
		// loop, mirroring prime_task.py's save_checkpoint_async daemon
		// thread: the loop never blocks on Redis round-trips, but every
		// outstanding write is awaited below before the task can report
		// success, so no checkpoint write can straggle past DeleteCheckpoint.
		var (
			checkpointWG  sync.WaitGroup
			checkpointMu  sync.Mutex
			checkpointErr error
		)
		saveCheckpointAsync := func(lastChecked int, primesSnapshot []int, elapsed float64) {
			checkpointWG.Add(1)
			go func() {
				defer checkpointWG.Done()
				partial, merr := json.Marshal(primesSnapshot)
				if merr != nil {
					checkpointMu.Lock()
					checkpointErr = merr
					checkpointMu.Unlock()
					return
				}
				if serr := cp.SaveCheckpoint(ctx, &task.Checkpoint{
					TaskID:      taskID,
					LastChecked: int64(lastChecked),
					Partial:     partial,
					ElapsedTime: elapsed,
					Method:      p.Method,
				}); serr != nil {
					checkpointMu.Lock()
					checkpointErr = serr
					checkpointMu.Unlock()
				}
			}()
		}

		switch p.Method {
		case "trial_division":
			primes, err = trialDivisionResumable(ctx, primes, startNum, p.Limit, checkpointStride, func(lastChecked int, found []int) {
				elapsed := time.Since(start).Seconds()
				if wasResumed {
					elapsed += checkpointTime
				}
				snapshot := make([]int, len(found))
				copy(snapshot, found)
				saveCheckpointAsync(lastChecked, snapshot, elapsed)
			})
			if err != nil {
				return nil, err
			}
		default:
			// Sieve never supports resume: it recomputes from scratch even
			// when a stale checkpoint exists, matching prime_task.py.
			primes, err = sieve(ctx, p.Limit)
			if err != nil {
				return nil, err
			}
		}

		checkpointWG.Wait()
		checkpointMu.Lock()
		cerr := checkpointErr
		checkpointMu.Unlock()
		if cerr != nil {
			return nil, fmt.Errorf("compute: save checkpoint: %w", cerr)
		}

		totalElapsed := time.Since(start).Seconds()
		if wasResumed {
			totalElapsed += checkpointTime
		}

		if err := cp.DeleteCheckpoint(ctx, taskID); err != nil {
			return nil, fmt.Errorf("compute: delete checkpoint: %w", err)
		}

		body := map[string]interface{}{
			"primes":            primes,
			"computation_time":  round4(totalElapsed),
			"was_resumed":       wasResumed,
			"method":            p.Method,
		}
		if wasResumed {
			body["checkpoint_time"] = round4(checkpointTime)
			body["resume_time"] = round4(time.Since(resumeStartedAt).Seconds())
		}
		if requestedLimit > 0 {
			body["warning"] = fmt.Sprintf("requested limit %d was capped to %d", requestedLimit, maxLimit)
			body["requested_limit"] = requestedLimit
		}
		return body, nil
	}
}

func round4(f float64) float64 {
	return float64(int(f*10000+0.5)) / 10000
}

func sieve(ctx context.Context, limit int) ([]int, error) {
	if limit < 2 {
		return []int{}, nil
	}
	composite := make([]bool, limit+1)
	for p := 2; p*p <= limit; p++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !composite[p] {
			for i := p * p; i <= limit; i += p {
				composite[i] = true
			}
		}
	}
	primes := make([]int, 0, limit/10)
	for n := 2; n <= limit; n++ {
		if !composite[n] {
			primes = append(primes, n)
		}
	}
	return primes, nil
}

// trialDivisionResumable runs trial division from startNum to limit,
// invoking onCheckpoint(lastChecked, primes) every stride numbers so the
// caller can dispatch an asynchronous checkpoint write. onCheckpoint never
// blocks the loop on the write itself — it only snapshots state and
// hands it off. primes accumulates any values carried over from a
// resumed checkpoint.
func trialDivisionResumable(ctx context.Context, primes []int, startNum, limit, stride int, onCheckpoint func(lastChecked int, found []int)) ([]int, error) {
	for n := startNum; n <= limit; n++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isPrime(n) {
			primes = append(primes, n)
		}
		if stride > 0 && n%stride == 0 {
			onCheckpoint(n, primes)
		}
	}
	return primes, nil
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}
