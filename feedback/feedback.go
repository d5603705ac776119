package feedback

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"alma.local/fuzz/executor"
)

// Verdict classifies one execution result.
type Verdict int

const (
	// VerdictInteresting: the run uncovered new coverage; promote the
	// input to a corpus entry.
	VerdictInteresting Verdict = iota
	// VerdictRedundant: nothing new; discard the input.
	VerdictRedundant
	// VerdictObjective: a crash/timeout/OOM with an unseen signature; the
	// input was saved as an objective artifact.
	VerdictObjective
	// VerdictDuplicate: a crash/timeout/OOM whose signature was already
	// recorded; discard.
	VerdictDuplicate
)

func (v Verdict) String() string {
	switch v {
	case VerdictInteresting:
		return "interesting"
	case VerdictRedundant:
		return "redundant"
	case VerdictObjective:
		return "objective"
	case VerdictDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Pipeline is the sole gate controlling corpus growth and objective
// persistence. Given identical coverage maps it always returns the same
// verdict; there is no randomness in the accept/reject decision.
type Pipeline struct {
	cover  *Cover
	objDir string

	mu   sync.Mutex
	seen map[uint64]struct{} // objective signatures, deduped across workers
}

// NewPipeline creates the gate. objDir receives one file per unique
// objective; it is created if missing.
func NewPipeline(cover *Cover, objDir string) (*Pipeline, error) {
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create objectives dir %s", objDir)
	}
	return &Pipeline{
		cover:  cover,
		objDir: objDir,
		seen:   make(map[uint64]struct{}),
	}, nil
}

// Cover exposes the global coverage state the pipeline gates on.
func (p *Pipeline) Cover() *Cover { return p.cover }

// Evaluate routes one execution result. For faulting runs the input is
// persisted as an objective artifact when its signature is new; a write
// failure is returned for the caller to log and count, but the signature
// stays recorded so the loop continues without retry storms.
func (p *Pipeline) Evaluate(input []byte, res executor.Result) (Verdict, error) {
	if res.Status != executor.StatusNormal {
		return p.evaluateObjective(input, res)
	}
	if p.cover.Merge(res.Cover) > 0 {
		return VerdictInteresting, nil
	}
	return VerdictRedundant, nil
}

func (p *Pipeline) evaluateObjective(input []byte, res executor.Result) (Verdict, error) {
	sig := ObjectiveSignature(res)
	p.mu.Lock()
	if _, dup := p.seen[sig]; dup {
		p.mu.Unlock()
		return VerdictDuplicate, nil
	}
	p.seen[sig] = struct{}{}
	p.mu.Unlock()

	// A faulting run may still carry novel partial coverage; fold it in so
	// novelty decisions stay monotonic.
	p.cover.Merge(res.Cover)

	name := fmt.Sprintf("%s-%016x", res.Status, sig)
	path := filepath.Join(p.objDir, name)
	if _, err := os.Stat(path); err == nil {
		// Left over from a previous run with the same signature. Artifacts
		// are never overwritten.
		return VerdictObjective, nil
	}
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return VerdictObjective, errors.Wrapf(err, "persist objective %s", name)
	}
	return VerdictObjective, nil
}

// ObjectiveSignature fingerprints a faulting run by its partial coverage
// map, status class, and terminating signal. Two distinct inputs with the
// same signature yield one artifact.
func ObjectiveSignature(res executor.Result) uint64 {
	var d xxhash.Digest
	d.Write(res.Cover)
	var tail [8]byte
	binary.LittleEndian.PutUint32(tail[:4], uint32(res.Status))
	binary.LittleEndian.PutUint32(tail[4:], uint32(res.Signal))
	d.Write(tail[:])
	return d.Sum64()
}
