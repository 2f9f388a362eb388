// Package sandbox is the Sandbox Provisioner (C1): it hands out isolated
// filesystem + identity contexts backed by the isolate sandboxing tool,
// bounded by a FIFO identity pool sized to the configured concurrency cap.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/coderunr/judgesession/internal/config"
	"github.com/coderunr/judgesession/internal/metrics"
	"github.com/coderunr/judgesession/internal/types"
)

// IsolatePath is the location of the isolate binary, matching the
// teacher's deployment convention.
const IsolatePath = "/usr/local/bin/isolate"

var logger = logrus.WithField("component", "sandbox")

// Provisioner owns the process-wide identity pool: MAX_CONCURRENT_JOBS
// box identities, each mapped to a UID/GID drawn from the configured
// runner ranges, granted in FIFO order.
type Provisioner struct {
	config *config.Config
	sem    *semaphore.Weighted

	mu       sync.Mutex
	free     []int // free box IDs, oldest-released first
	uidRange int
}

// NewProvisioner builds a Provisioner with a free list of exactly
// MaxConcurrentJobs identities (box IDs 0..N-1).
func NewProvisioner(cfg *config.Config) *Provisioner {
	n := cfg.MaxConcurrentJobs
	free := make([]int, n)
	for i := range free {
		free[i] = i
	}
	return &Provisioner{
		config:   cfg,
		sem:      semaphore.NewWeighted(int64(n)),
		free:     free,
		uidRange: cfg.RunnerUIDMax - cfg.RunnerUIDMin,
	}
}

// Acquire blocks until an identity slot is available (the caller's
// session is suspended, per the engine's concurrency model), then
// initializes a fresh isolate box and returns its handle.
func (p *Provisioner) Acquire(ctx context.Context) (*types.SandboxHandle, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPoolExhausted, err)
	}

	boxID, err := p.popFree()
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: %v", types.ErrPoolExhausted, err)
	}

	handle, err := p.initBox(boxID)
	if err != nil {
		p.pushFree(boxID)
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxSetupFailed, err)
	}

	metrics.SetIdentityPool(p.InUse(), p.Capacity())
	return handle, nil
}

// release is invoked at most once per acquired handle. See Release.
func (p *Provisioner) release(h *types.SandboxHandle) {
	cmd := exec.Command(IsolatePath, "--cleanup", "--cg", fmt.Sprintf("-b%d", h.ID))
	if err := cmd.Run(); err != nil {
		logger.WithError(err).Errorf("isolate cleanup failed for box %d", h.ID)
	}
	if h.CgroupRef != "" {
		if err := os.Remove(h.CgroupRef); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Errorf("failed to remove metadata file %s", h.CgroupRef)
		}
	}

	p.pushFree(h.ID)
	p.sem.Release(1)
	metrics.SetIdentityPool(p.InUse(), p.Capacity())
}

// Release returns a handle's identity slot to the pool, tearing down its
// isolate box. A nil handle is ignored. Release keeps no record of the
// handles it has already released: a second call for the same handle
// runs the cleanup again and returns its slot to the pool a second time.
// internal/job, which owns each handle for its full lifetime, releases
// it once: on a failed Prime, or through the sync.Once in Job.Close.
func (p *Provisioner) Release(h *types.SandboxHandle) {
	if h == nil {
		return
	}
	p.release(h)
}

func (p *Provisioner) popFree() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, fmt.Errorf("no free identity slots despite semaphore grant")
	}
	id := p.free[0]
	p.free = p.free[1:]
	return id, nil
}

func (p *Provisioner) pushFree(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, id)
}

func (p *Provisioner) initBox(boxID int) (*types.SandboxHandle, error) {
	metadataPath := fmt.Sprintf("/tmp/%d-metadata.txt", boxID)

	cmd := exec.Command(IsolatePath, "--init", "--cg", fmt.Sprintf("-b%d", boxID))
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("isolate init failed: %w", err)
	}

	outputStr := strings.TrimSpace(string(output))
	if outputStr == "" {
		return nil, fmt.Errorf("received empty output from isolate --init")
	}

	uid, gid := p.identity(boxID)

	return &types.SandboxHandle{
		ID:        boxID,
		RootPath:  outputStr + "/box",
		UID:       uid,
		GID:       gid,
		CgroupRef: metadataPath,
	}, nil
}

// identity maps a box ID onto the configured runner UID/GID ranges.
func (p *Provisioner) identity(boxID int) (uid, gid int) {
	if p.uidRange <= 0 {
		return p.config.RunnerUIDMin, p.config.RunnerGIDMin
	}
	offset := boxID % p.uidRange
	return p.config.RunnerUIDMin + offset, p.config.RunnerGIDMin + offset
}

// InUse reports the number of identity slots currently checked out, for
// metrics observation.
func (p *Provisioner) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config.MaxConcurrentJobs - len(p.free)
}

// Capacity returns the configured pool size.
func (p *Provisioner) Capacity() int {
	return p.config.MaxConcurrentJobs
}
