// Package runtime is the core facade: it turns a RunRequest into a
// running, networked, exec-capable VM and back to nothing, wiring the
// image store, the caches, the composer, the VM manager, the warm pool,
// and the attestation verifier.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/a3s-lab/box/pkg/attest"
	"github.com/a3s-lab/box/pkg/cache"
	"github.com/a3s-lab/box/pkg/config"
	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/events"
	"github.com/a3s-lab/box/pkg/fsutil"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/network"
	"github.com/a3s-lab/box/pkg/oci"
	"github.com/a3s-lab/box/pkg/pool"
	"github.com/a3s-lab/box/pkg/rootfs"
	"github.com/a3s-lab/box/pkg/types"
	"github.com/a3s-lab/box/pkg/vmm"
	"github.com/a3s-lab/box/pkg/wire"
)

// ReportFetcher obtains an attestation report from a running box. The
// default fetcher simulates a report binding the nonce, for hosts
// without SEV-SNP; production deployments plug in a hardware-backed
// fetcher reached through the agent channel.
type ReportFetcher func(ctx context.Context, box *Box, nonce []byte) (*attest.Report, error)

// Runtime owns all core components and the set of live boxes.
type Runtime struct {
	cfg config.Config

	store    *oci.Store
	puller   *oci.Puller
	layers   *cache.LayerCache
	rootfsC  *cache.RootfsCache
	composer *rootfs.Composer
	networks *network.Manager
	broker   *events.Broker

	fetchReport ReportFetcher

	mu    sync.RWMutex
	boxes map[string]*Box

	warmPool *pool.WarmPool

	records *recordStore
	logger  zerolog.Logger

	stopSweep chan struct{}
}

// Box is the handle for one instance: lifecycle, exec and PTY channels,
// and the attestation primitive.
type Box struct {
	machine *vmm.Machine
	image   string
	network string
	ip      string
	tee     bool
	created time.Time
}

// ID returns the box UUID.
func (b *Box) ID() string { return b.machine.ID() }

// Name returns the box name, which may be empty.
func (b *Box) Name() string { return b.machine.Name() }

// Machine exposes the underlying VM manager.
func (b *Box) Machine() *vmm.Machine { return b.machine }

// New builds a runtime from configuration: opens the store, the caches,
// and the network database, loads persisted records, and reconciles
// dead PIDs.
func New(cfg config.Config, registry oci.Registry) (*Runtime, error) {
	store, err := oci.NewStore(cfg.ImagesDir(), cfg.MaxStoreBytes)
	if err != nil {
		return nil, err
	}
	layers, err := cache.NewLayerCache(cfg.LayerCacheDir())
	if err != nil {
		return nil, err
	}
	rootfsC, err := cache.NewRootfsCache(cfg.RootfsCacheDir())
	if err != nil {
		return nil, err
	}
	networks, err := network.NewManager(cfg.RootDir)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	r := &Runtime{
		cfg:         cfg,
		store:       store,
		puller:      oci.NewPuller(store, registry),
		layers:      layers,
		rootfsC:     rootfsC,
		composer:    rootfs.NewComposer(layers),
		networks:    networks,
		broker:      broker,
		fetchReport: simulatedFetcher,
		boxes:       make(map[string]*Box),
		records:     newRecordStore(cfg.RootDir),
		logger:      log.WithComponent("runtime"),
		stopSweep:   make(chan struct{}),
	}

	if err := r.records.load(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to load box records, starting empty")
	}
	r.reconcile()
	go r.sweepLoop()

	return r, nil
}

// Events returns the runtime event broker.
func (r *Runtime) Events() *events.Broker { return r.broker }

// Store returns the image store.
func (r *Runtime) Store() *oci.Store { return r.store }

// Networks returns the network manager.
func (r *Runtime) Networks() *network.Manager { return r.networks }

// Puller returns the image puller.
func (r *Runtime) Puller() *oci.Puller { return r.puller }

// SetReportFetcher replaces the attestation report source.
func (r *Runtime) SetReportFetcher(f ReportFetcher) { r.fetchReport = f }

// Run boots a box from a run request: resolve the image (pulling on
// miss), compose or reuse the rootfs, configure and boot the VM.
func (r *Runtime) Run(ctx context.Context, req types.RunRequest) (*Box, error) {
	ref := oci.NormalizeRef(req.Image)

	stored, ok := r.store.Get(ref)
	if !ok {
		var err error
		stored, err = r.puller.Pull(ctx, ref)
		if err != nil {
			return nil, err
		}
	}

	img, err := oci.LoadImage(stored.Path)
	if err != nil {
		return nil, err
	}

	machine, err := vmm.NewMachine(r.cfg.RootDir, r.cfg.ShimBinary, req.Name, r.broker)
	if err != nil {
		return nil, err
	}

	box := &Box{machine: machine, image: ref, tee: req.Tee.Enabled, created: time.Now().UTC()}

	if err := r.boot(ctx, box, req, stored, img); err != nil {
		_ = machine.Destroy(context.Background())
		if box.network != "" {
			_, _ = r.networks.Disconnect(box.network, machine.ID())
		}
		return nil, err
	}

	r.mu.Lock()
	r.boxes[machine.ID()] = box
	r.mu.Unlock()
	r.persist(box)

	return box, nil
}

func (r *Runtime) boot(ctx context.Context, box *Box, req types.RunRequest, stored *oci.StoredImage, img *oci.Image) error {
	machine := box.machine

	instanceRootfs, err := r.materializeRootfs(machine, req, stored, img)
	if err != nil {
		return err
	}

	var net vmm.GuestNet
	if req.NetworkMode == types.NetworkModeBridge && req.Network != "" {
		ep, err := r.networks.Connect(req.Network, machine.ID(), req.Name)
		if err != nil {
			return err
		}
		nw, err := r.networks.Get(req.Network)
		if err != nil {
			return err
		}
		ipam, err := network.NewIPAM(nw.Subnet)
		if err != nil {
			return err
		}
		box.network = req.Network
		box.ip = ep.IPAddress.String()
		net = vmm.GuestNet{
			IPCIDR:  fmt.Sprintf("%s/%d", ep.IPAddress, ipam.PrefixLen()),
			Gateway: nw.Gateway.String(),
			DNS:     r.dnsServers(req),
		}
	}

	spec := vmm.BootSpec{
		Rootfs:  instanceRootfs,
		Dir:     machine.Dir(),
		Exec:    "/sbin/init",
		WorkDir: req.WorkingDir,
		Env:     r.guestEnv(req, img),
		Net:     net,
	}

	krunCfg, err := vmm.BuildKrunConfig(req, spec)
	if err != nil {
		return errdefs.Config("deriving machine config: %v", err)
	}
	machine.Configure(krunCfg)

	return machine.Boot(ctx)
}

// materializeRootfs consults the rootfs cache by composite key; on a
// miss it composes into the instance directory and publishes the
// result, on a hit it copies the cached tree.
func (r *Runtime) materializeRootfs(machine *vmm.Machine, req types.RunRequest, stored *oci.StoredImage, img *oci.Image) (string, error) {
	instanceRootfs := machine.Dir() + "/rootfs"

	digests := make([]string, 0, len(img.LayerDigests()))
	for _, d := range img.LayerDigests() {
		digests = append(digests, d.String())
	}
	key := cache.ComputeKey(stored.Reference, digests, img.Entrypoint(), r.guestEnv(req, img))

	if cached, ok := r.rootfsC.Get(key); ok {
		r.logger.Debug().Str("key", key).Msg("Rootfs cache hit")
		if err := fsutil.CopyDir(cached, instanceRootfs); err != nil {
			return "", errdefs.Boot("copying cached rootfs: %v", err)
		}
		return instanceRootfs, nil
	}

	comp := rootfs.Composition{
		AgentImage: stored.Path,
		GuestInit:  r.cfg.GuestInitBinary,
	}
	if req.BusinessImage != "" {
		business, ok := r.store.Get(oci.NormalizeRef(req.BusinessImage))
		if !ok {
			return "", errdefs.NotFound("business image %s", req.BusinessImage)
		}
		comp.BusinessImage = business.Path
	}

	if err := r.composer.Compose(instanceRootfs, comp); err != nil {
		return "", err
	}

	if _, err := r.rootfsC.Put(key, instanceRootfs, stored.Reference); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to publish rootfs cache entry")
	}
	if r.cfg.Cache.Enabled {
		if _, err := r.rootfsC.Prune(r.cfg.Cache.MaxRootfsEntries, r.cfg.Cache.MaxCacheBytes); err != nil {
			r.logger.Warn().Err(err).Msg("Rootfs cache prune failed")
		}
	}

	return instanceRootfs, nil
}

// guestEnv assembles the guest init environment contract: the agent
// descriptor plus per-variable A3S_AGENT_ENV_* entries.
func (r *Runtime) guestEnv(req types.RunRequest, img *oci.Image) []string {
	agentExec := rootfs.AgentExecutablePath(rootfs.DefaultAgentTarget, img.Entrypoint())

	args := img.Cmd()
	if len(img.Entrypoint()) > 1 {
		args = append(append([]string{}, img.Entrypoint()[1:]...), args...)
	}
	if len(req.Cmd) > 0 {
		args = req.Cmd
	}

	env := []string{
		"A3S_AGENT_EXEC=" + agentExec,
		"A3S_AGENT_ARGS=" + strings.Join(args, " "),
	}
	for _, kv := range img.Env() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env = append(env, "A3S_AGENT_ENV_"+key+"="+value)
		}
	}
	for _, kv := range req.Env {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env = append(env, "A3S_AGENT_ENV_"+key+"="+value)
		}
	}
	return env
}

func (r *Runtime) dnsServers(req types.RunRequest) []string {
	if len(req.DNS) > 0 {
		return req.DNS
	}
	if len(r.cfg.DNS) > 0 {
		return r.cfg.DNS
	}
	return []string{"8.8.8.8"}
}

// Get returns a live box by full or short ID.
func (r *Runtime) Get(id string) (*Box, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if box, ok := r.boxes[id]; ok {
		return box, nil
	}
	for boxID, box := range r.boxes {
		if strings.HasPrefix(types.ShortID(boxID), id) || strings.HasPrefix(boxID, id) {
			return box, nil
		}
	}
	return nil, errdefs.NotFound("box %s", id)
}

// Stop gracefully stops a box within timeout.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	box, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := box.machine.Stop(ctx, timeout); err != nil {
		return err
	}
	r.persist(box)
	return nil
}

// Destroy removes a box and its working directory. The record is
// dropped even when directory removal fails.
func (r *Runtime) Destroy(ctx context.Context, id string) error {
	box, err := r.Get(id)
	if err != nil {
		return err
	}

	if err := box.machine.Destroy(ctx); err != nil {
		r.logger.Warn().Err(err).Str("box_id", types.ShortID(box.ID())).Msg("Destroy reported error")
	}
	if box.network != "" {
		if _, err := r.networks.Disconnect(box.network, box.ID()); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to disconnect box from network")
		}
	}

	r.mu.Lock()
	delete(r.boxes, box.ID())
	r.mu.Unlock()
	r.records.remove(box.ID())

	return nil
}

// List returns summaries of all known boxes, live and recorded.
func (r *Runtime) List() []types.InstanceSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []types.InstanceSummary

	for id, box := range r.boxes {
		rec := box.machine.Record(box.image)
		out = append(out, types.InstanceSummary{
			ID:        id,
			Name:      box.Name(),
			Image:     box.image,
			Status:    rec.Status,
			PID:       rec.PID,
			IPAddress: box.ip,
			Network:   box.network,
			CreatedAt: box.created,
		})
		seen[id] = true
	}

	for _, rec := range r.records.list() {
		if seen[rec.ID] {
			continue
		}
		out = append(out, types.InstanceSummary{
			ID:        rec.ID,
			Name:      rec.Name,
			Image:     rec.Image,
			Status:    rec.Status,
			PID:       rec.PID,
			IPAddress: rec.IPAddress,
			Network:   rec.Network,
			CreatedAt: rec.CreatedAt,
		})
	}

	return out
}

// Exec runs a command inside a box over its exec socket bridge.
func (r *Runtime) Exec(ctx context.Context, id string, req *wire.ExecRequest) (*wire.ExecOutput, error) {
	box, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if box.machine.State() != vmm.StateRunning {
		return nil, errdefs.Boot("box %s is not running", types.ShortID(id))
	}
	client := vmm.NewExecClient(box.machine.SocketPath("exec.sock"))
	return client.Exec(ctx, req)
}

// Pty opens an interactive session against a box.
func (r *Runtime) Pty(ctx context.Context, id string, req *wire.PtyRequest) (*vmm.PtySession, error) {
	box, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if box.machine.State() != vmm.StateRunning {
		return nil, errdefs.Boot("box %s is not running", types.ShortID(id))
	}
	return vmm.OpenPtySession(ctx, box.machine.SocketPath("pty.sock"), req)
}

// Attest fetches an attestation report from a box and verifies it
// against the policy.
func (r *Runtime) Attest(ctx context.Context, id string, nonce []byte, policy *attest.Policy, allowSimulated bool) (*attest.VerificationResult, error) {
	box, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if !box.tee && !allowSimulated {
		return nil, errdefs.Tee("box %s was not started with a TEE", types.ShortID(id))
	}
	report, err := r.fetchReport(ctx, box, nonce)
	if err != nil {
		return nil, err
	}
	return attest.Verify(report, nonce, policy, allowSimulated)
}

// StartPool starts the warm pool with the given template request.
func (r *Runtime) StartPool(ctx context.Context, template types.RunRequest) error {
	if r.warmPool != nil {
		return errdefs.Pool("pool already started")
	}

	boot := func(ctx context.Context) (pool.Instance, error) {
		box, err := r.Run(ctx, template)
		if err != nil {
			return nil, err
		}
		return &pooledBox{box: box, runtime: r}, nil
	}

	p, err := pool.Start(ctx, r.cfg.Pool, boot, r.broker)
	if err != nil {
		return err
	}
	r.warmPool = p
	return nil
}

// Pool returns the warm pool, or nil when not started.
func (r *Runtime) Pool() *pool.WarmPool { return r.warmPool }

// AcquireBox acquires a pre-booted box from the pool.
func (r *Runtime) AcquireBox(ctx context.Context) (*Box, error) {
	if r.warmPool == nil {
		return nil, errdefs.Pool("pool not started")
	}
	inst, err := r.warmPool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return inst.(*pooledBox).box, nil
}

// ReleaseBox returns a box to the pool.
func (r *Runtime) ReleaseBox(ctx context.Context, box *Box) error {
	if r.warmPool == nil {
		return errdefs.Pool("pool not started")
	}
	return r.warmPool.Release(ctx, &pooledBox{box: box, runtime: r})
}

// Close drains the pool, stops the sweeper, and closes state stores.
func (r *Runtime) Close(ctx context.Context) error {
	close(r.stopSweep)
	if r.warmPool != nil {
		if err := r.warmPool.Drain(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Pool drain failed during close")
		}
	}
	r.broker.Stop()
	return r.networks.Close()
}

// pooledBox adapts a Box to the pool's Instance interface.
type pooledBox struct {
	box     *Box
	runtime *Runtime
}

func (p *pooledBox) ID() string { return p.box.ID() }

func (p *pooledBox) Destroy(ctx context.Context) error {
	return p.runtime.Destroy(ctx, p.box.ID())
}

// reconcile flips running records with dead PIDs to dead.
func (r *Runtime) reconcile() {
	records := r.records.list()
	if ids := vmm.ReconcileRecords(records); len(ids) > 0 {
		for _, rec := range records {
			r.records.put(rec)
		}
		r.logger.Info().Int("count", len(ids)).Msg("Reconciled dead boxes")
	}
}

// sweepLoop re-runs reconciliation periodically.
func (r *Runtime) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.reconcile()
		}
	}
}

func (r *Runtime) persist(box *Box) {
	rec := box.machine.Record(box.image)
	rec.Network = box.network
	rec.IPAddress = box.ip
	rec.CreatedAt = box.created
	r.records.put(&rec)
}

// simulatedFetcher builds a simulated report binding the nonce. Hosts
// with SEV-SNP hardware replace this with a fetcher that reaches the
// guest firmware through the agent channel.
func simulatedFetcher(_ context.Context, _ *Box, nonce []byte) (*attest.Report, error) {
	return &attest.Report{Raw: attest.BuildSimulatedReport(nonce)}, nil
}
