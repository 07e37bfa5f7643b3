package hypervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/pkg/types"
)

// FakeDomain is the fake's view of one domain.
type FakeDomain struct {
	Spec    DomainSpec
	UUID    string
	Running bool
	Devices []string
}

// Fake is an in-memory Client used to exercise orchestration logic
// without a hypervisor. It counts side-effecting calls so tests can
// assert idempotency, and supports fault injection per operation.
type Fake struct {
	mu       sync.Mutex
	domains  map[string]*FakeDomain
	networks map[string]types.NetworkRecord

	// AddressAfterPolls delays lease appearance: a domain's address
	// becomes visible once Address has been called that many times.
	AddressAfterPolls int
	addressPolls      map[string]int

	// Addresses overrides the address handed out per domain; by default
	// the fake replays the static lease planned for the domain's MAC.
	Addresses map[string]string

	// FailOn maps an operation name ("start", "define-domain", ...) to
	// an error returned on every call until cleared.
	FailOn map[string]error

	// Counters of side-effecting calls, keyed by operation name.
	Calls map[string]int

	leases map[string]string // mac -> ip, from EnsureNetwork
}

// NewFake creates an empty fake hypervisor.
func NewFake() *Fake {
	return &Fake{
		domains:      map[string]*FakeDomain{},
		networks:     map[string]types.NetworkRecord{},
		addressPolls: map[string]int{},
		Addresses:    map[string]string{},
		FailOn:       map[string]error{},
		Calls:        map[string]int{},
		leases:       map[string]string{},
	}
}

func (f *Fake) fail(op string) error {
	if err, ok := f.FailOn[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) count(op string) {
	f.Calls[op]++
}

// Domain returns the fake's record of a domain, or nil.
func (f *Fake) Domain(name string) *FakeDomain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.domains[name]
}

// DomainCount returns how many domains are currently defined.
func (f *Fake) DomainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.domains)
}

// NetworkCount returns how many networks are currently defined.
func (f *Fake) NetworkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}

func (f *Fake) DefineDomain(ctx context.Context, spec DomainSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("define-domain"); err != nil {
		return "", err
	}
	if existing, ok := f.domains[spec.Name]; ok {
		return existing.UUID, nil
	}
	f.count("define-domain")
	id := spec.UUID
	if id == "" {
		id = uuid.NewString()
	}
	f.domains[spec.Name] = &FakeDomain{
		Spec: spec,
		UUID: id,
	}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("start"); err != nil {
		return err
	}
	dom, ok := f.domains[name]
	if !ok {
		return fmt.Errorf("domain %s not defined", name)
	}
	if dom.Running {
		return nil
	}
	f.count("start")
	dom.Running = true
	return nil
}

func (f *Fake) Stop(ctx context.Context, name string, graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("stop"); err != nil {
		return err
	}
	dom, ok := f.domains[name]
	if !ok || !dom.Running {
		return nil
	}
	f.count("stop")
	dom.Running = false
	return nil
}

func (f *Fake) Undefine(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("undefine"); err != nil {
		return err
	}
	if _, ok := f.domains[name]; !ok {
		return nil
	}
	f.count("undefine")
	delete(f.domains, name)
	return nil
}

func (f *Fake) Running(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dom, ok := f.domains[name]
	return ok && dom.Running, nil
}

func (f *Fake) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.domains[name]
	return ok, nil
}

func (f *Fake) Address(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("address"); err != nil {
		return "", err
	}
	dom, ok := f.domains[name]
	if !ok {
		return "", fmt.Errorf("domain %s not defined", name)
	}
	if !dom.Running {
		return "", nil
	}
	f.addressPolls[name]++
	if f.addressPolls[name] <= f.AddressAfterPolls {
		return "", nil
	}
	if addr, ok := f.Addresses[name]; ok {
		return addr, nil
	}
	if ip, ok := f.leases[dom.Spec.MAC]; ok {
		return ip, nil
	}
	return "", nil
}

func (f *Fake) AttachDevice(ctx context.Context, name, pciAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("attach-device"); err != nil {
		return err
	}
	dom, ok := f.domains[name]
	if !ok {
		return fmt.Errorf("domain %s not defined", name)
	}
	for _, other := range f.domains {
		if other == dom {
			continue
		}
		for _, d := range other.Devices {
			if d == pciAddress {
				return fmt.Errorf("%w: %s attached to %s", ErrDeviceInUse, pciAddress, other.Spec.Name)
			}
		}
	}
	for _, d := range dom.Devices {
		if d == pciAddress {
			return nil
		}
	}
	f.count("attach-device")
	dom.Devices = append(dom.Devices, pciAddress)
	return nil
}

func (f *Fake) DetachDevice(ctx context.Context, name, pciAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("detach-device"); err != nil {
		return err
	}
	dom, ok := f.domains[name]
	if !ok {
		return nil
	}
	for i, d := range dom.Devices {
		if d == pciAddress {
			f.count("detach-device")
			dom.Devices = append(dom.Devices[:i], dom.Devices[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *Fake) EnsureNetwork(ctx context.Context, rec types.NetworkRecord, leases map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ensure-network"); err != nil {
		return err
	}
	if _, ok := f.networks[rec.Name]; ok {
		return nil
	}
	f.count("ensure-network")
	f.networks[rec.Name] = rec
	for mac, ip := range leases {
		f.leases[mac] = ip
	}
	return nil
}

func (f *Fake) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("remove-network"); err != nil {
		return err
	}
	if _, ok := f.networks[name]; !ok {
		return nil
	}
	f.count("remove-network")
	delete(f.networks, name)
	return nil
}

var _ Client = (*Fake)(nil)
var _ Client = (*LibvirtClient)(nil)
