package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
)

// Lease is one granted slot on a device. Every lease charges the model's
// full footprint; used_memory is always the sum of outstanding lease
// footprints.
type Lease struct {
	ID         string
	JobID      string
	GPUID      string
	Model      string
	Memory     domain.Gigabytes
	AcquiredAt time.Time
}

// DeviceSnapshot is a point-in-time view of one device.
type DeviceSnapshot struct {
	ID      string `json:"id"`
	TotalGB int64  `json:"total_gb"`
	UsedGB  int64  `json:"used_gb"`
	FreeGB  int64  `json:"free_gb"`
	Model   string `json:"model,omitempty"`
	Leases  int    `json:"leases"`
}

// gpuDevice hosts at most one model at a time. model is cleared when the
// last lease goes, freeing the device for reassignment.
type gpuDevice struct {
	id     string
	index  int
	total  domain.Gigabytes
	used   domain.Gigabytes
	model  string
	leases int
}

// GPUPool tracks a fixed device inventory and grants memory-bounded
// leases. A device is eligible when the footprint fits its free memory
// and it is idle, or it is already serving the same model and sharing is
// enabled. Allocation is non-blocking; callers back off and retry when
// nothing fits, or give up when Satisfiable says the model cannot fit
// even an idle device. Allocation prefers the least-used device,
// breaking ties by inventory order.
type GPUPool struct {
	cfg     *config.GPUPoolConfig
	sharing bool
	sink    metrics.Sink

	mu       sync.Mutex
	devices  []*gpuDevice
	active   map[string]*Lease
	maxTotal domain.Gigabytes
}

func NewGPUPool(cfg *config.Config, sink metrics.Sink) *GPUPool {
	if sink == nil {
		sink = metrics.NewNop()
	}
	p := &GPUPool{
		cfg:     &cfg.GPUPool,
		sharing: cfg.GPUPool.SharingOrDefault(),
		sink:    sink,
		active:  make(map[string]*Lease),
	}
	for i, d := range cfg.GPUPool.DevicesOrDefault() {
		dev := &gpuDevice{
			id:    d.ID,
			index: i,
			total: domain.Gigabytes(d.MemoryGB),
		}
		p.devices = append(p.devices, dev)
		if dev.total > p.maxTotal {
			p.maxTotal = dev.total
		}
		p.publish(dev)
	}
	return p
}

// Satisfiable reports whether model could fit an idle device at all.
// Unsatisfiable models must fail fast instead of retrying forever.
func (p *GPUPool) Satisfiable(model string) bool {
	return domain.Gigabytes(p.cfg.ModelMemoryGBFor(model)) <= p.maxTotal
}

// TryAllocate grants a lease for model, or reports false when no device
// can take it right now. jobID ties the lease to its registry record so
// the janitor can reclaim leases whose job is gone.
func (p *GPUPool) TryAllocate(model, jobID string) (*Lease, bool) {
	need := domain.Gigabytes(p.cfg.ModelMemoryGBFor(model))

	p.mu.Lock()
	defer p.mu.Unlock()

	var pick *gpuDevice
	for _, dev := range p.devices {
		if !p.fits(dev, model, need) {
			continue
		}
		if pick == nil || dev.used < pick.used || (dev.used == pick.used && dev.index < pick.index) {
			pick = dev
		}
	}
	if pick == nil {
		return nil, false
	}

	pick.used += need
	pick.model = model
	pick.leases++

	lease := &Lease{
		ID:         uuid.NewString(),
		JobID:      jobID,
		GPUID:      pick.id,
		Model:      model,
		Memory:     need,
		AcquiredAt: time.Now(),
	}
	p.active[lease.ID] = lease
	p.publish(pick)
	return lease, true
}

// Release returns a lease's slot. Unknown ids are a no-op so the janitor
// and a normally-finishing worker can race on the same lease safely.
func (p *GPUPool) Release(leaseID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lease, ok := p.active[leaseID]
	if !ok {
		return
	}
	delete(p.active, leaseID)

	dev := p.device(lease.GPUID)
	if dev == nil {
		return
	}
	dev.used -= lease.Memory
	if dev.used < 0 {
		dev.used = 0
	}
	dev.leases--
	if dev.leases <= 0 {
		dev.leases = 0
		dev.model = ""
	}
	p.publish(dev)
}

// ActiveLeases returns copies of every outstanding lease.
func (p *GPUPool) ActiveLeases() []*Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Lease, 0, len(p.active))
	for _, l := range p.active {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

// Snapshot reports per-device occupancy, in inventory order.
func (p *GPUPool) Snapshot() []DeviceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeviceSnapshot, 0, len(p.devices))
	for _, dev := range p.devices {
		out = append(out, DeviceSnapshot{
			ID:      dev.id,
			TotalGB: int64(dev.total),
			UsedGB:  int64(dev.used),
			FreeGB:  int64(dev.total - dev.used),
			Model:   dev.model,
			Leases:  dev.leases,
		})
	}
	return out
}

func (p *GPUPool) fits(dev *gpuDevice, model string, need domain.Gigabytes) bool {
	if dev.total-dev.used < need {
		return false
	}
	if dev.leases == 0 {
		return true
	}
	return p.sharing && dev.model == model
}

func (p *GPUPool) device(id string) *gpuDevice {
	for _, dev := range p.devices {
		if dev.id == id {
			return dev
		}
	}
	return nil
}

func (p *GPUPool) publish(dev *gpuDevice) {
	labels := metrics.Labels{"gpu": dev.id}
	p.sink.SetGauge(metrics.MetricGPUMemoryUsed, float64(dev.used), labels)
	p.sink.SetGauge(metrics.MetricGPULeases, float64(dev.leases), labels)
}
