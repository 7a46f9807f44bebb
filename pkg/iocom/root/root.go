// Package root implements the IOCOM process-wide registry: the owner of
// memory blocks, connections and end-points, the single non-reentrant
// mutex that serializes all state mutation, and the optional fixed-size
// memory pool. See spec §3 "Root" and §5 "Global mutex".
package root

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

// AutoDeviceNr is the base of the automatically assigned device
// numbers handed out when a peer advertises AUTO_DEVICE_NR (§4.5);
// AssignAutoDeviceNr starts at AutoDeviceNr+1.
const AutoDeviceNr = 10001

// MinUniqueMblkID is the first mblk_id assigned to a locally created
// memory block; ids below 8 are reserved (§3 "assigned mblk_id").
const MinUniqueMblkID = 8

// Identity carries the device identity used for memory blocks and
// connections that do not override it, per §3.
type Identity struct {
	DeviceName  string
	DeviceNr    uint32
	NetworkName string
}

// Attachable is implemented by anything the root owns and tears down on
// Destroy: memory blocks, connections and end-points. Registering
// through Root keeps destruction order (end-points, then connections,
// then blocks) independent of the concrete package doing the
// registering, matching ioc_release_root()'s order.
type Attachable interface {
	// RootRelease is called once, with the root mutex held, when the
	// root is destroyed.
	RootRelease()
}

// Root is the process-wide registry. Callers normally keep exactly one
// instance alive for the process lifetime (or one per test), created by
// New and torn down by Destroy.
type Root struct {
	mu Mutex

	Identity Identity

	pool *Pool

	mblks       map[uint32]Attachable // keyed by mblk_id, see mblk.Block
	connections map[uint32]Attachable
	endpoints   map[uint32]Attachable

	// fabricIndex is the hashed counterpart to the linear scan
	// ioc_mbinfo_received performs: every registered block, keyed by an
	// xxhash of its effective (network, device, device_nr, mblk_name)
	// identity (§4.5), so mblk-info matching on a busy hub does not cost
	// O(blocks) per advertised frame. Collisions are resolved by
	// re-checking the full identity in FindByIdentity.
	fabricIndex map[uint64][]*mblk.Block

	nextUniqueMblkID uint32
	nextConnID       uint32
	nextEndpointID   uint32
	autoDeviceNr     uint32

	// dynamicIndex tracks memory blocks this root created on behalf of a
	// peer's mblk-info advertisement (§4.5 "record in the dynamic
	// index"), keyed by mblk_id, so they can be swept when the owning
	// connection drops and nothing else references them. Grounded on
	// ioc_dyn_mblk_list.c / ioc_dyn_root.c.
	dynamicIndex map[uint32]struct{}

	// statusConnectedStreams mirrors IOC_NRO_CONNECTED_STREAMS: the
	// live count of open connections across the whole root, exposed as
	// status memory (ioc_com_status.c).
	statusConnectedStreams int
	statusDropCount        uint32
}

// New creates and initializes a root registry. pool may be nil; it is
// only handed back by Pool, and the core's own buffers are allocated
// with make whether or not a pool is set.
func New(id Identity, pool *Pool) *Root {
	return &Root{
		Identity:         id,
		pool:             pool,
		mblks:            make(map[uint32]Attachable),
		connections:      make(map[uint32]Attachable),
		endpoints:        make(map[uint32]Attachable),
		fabricIndex:      make(map[uint64][]*mblk.Block),
		dynamicIndex:     make(map[uint32]struct{}),
		nextUniqueMblkID: MinUniqueMblkID,
		autoDeviceNr:     AutoDeviceNr + 1,
	}
}

// Lock acquires the root's non-reentrant mutex; a goroutine that already
// holds it must not call Lock again. Application-facing reads and
// writes to memory blocks briefly hold this lock and never wait for I/O
// (§5 "Suspension points").
func (r *Root) Lock() { r.mu.Lock() }

// Unlock releases the root's mutex.
func (r *Root) Unlock() { r.mu.Unlock() }

// Pool returns the configured memory pool, or nil if none was set.
func (r *Root) Pool() *Pool { return r.pool }

// NextUniqueMblkID assigns and returns the next mblk_id for a locally
// created memory block. Must be called with the lock held.
func (r *Root) NextUniqueMblkID() uint32 {
	id := r.nextUniqueMblkID
	r.nextUniqueMblkID++
	return id
}

// NextConnID and NextEndpointID hand out small sequential ids used only
// for the registries' internal maps (not the wire mblk_id space).
func (r *Root) NextConnID() uint32 {
	r.nextConnID++
	return r.nextConnID
}

func (r *Root) NextEndpointID() uint32 {
	r.nextEndpointID++
	return r.nextEndpointID
}

// AssignAutoDeviceNr returns a locally-unique device number for a peer
// that advertised AUTO_DEVICE_NR in its mblk-info (§4.5).
func (r *Root) AssignAutoDeviceNr() uint32 {
	nr := r.autoDeviceNr
	r.autoDeviceNr++
	return nr
}

// RegisterMblk, RegisterConnection and RegisterEndpoint add an owned
// object to the root's registries under the given id. Must be called
// with the lock held. RegisterMblk additionally indexes memory blocks
// by identity for FindByIdentity.
func (r *Root) RegisterMblk(id uint32, a Attachable) {
	r.mblks[id] = a
	if b, ok := a.(*mblk.Block); ok {
		key := r.fabricKeyFor(b)
		r.fabricIndex[key] = append(r.fabricIndex[key], b)
	}
}

func (r *Root) UnregisterMblk(id uint32) {
	if a, ok := r.mblks[id]; ok {
		if b, ok := a.(*mblk.Block); ok {
			key := r.fabricKeyFor(b)
			r.fabricIndex[key] = removeMblk(r.fabricIndex[key], b)
		}
	}
	delete(r.mblks, id)
}

// effectiveIdentity returns the (network, device, device_nr) a block is
// matched and advertised under: its own, if it carries an explicit
// device name, otherwise this root's identity -- the same fallback
// mblkinfo.findMatch applies.
func (r *Root) effectiveIdentity(b *mblk.Block) (network, device string, deviceNr uint32) {
	if b.DeviceName != "" {
		return b.NetworkName, b.DeviceName, b.DeviceNr
	}
	return r.Identity.NetworkName, r.Identity.DeviceName, r.Identity.DeviceNr
}

func (r *Root) fabricKeyFor(b *mblk.Block) uint64 {
	network, device, deviceNr := r.effectiveIdentity(b)
	return fabricKey(network, device, deviceNr, b.Name)
}

// fabricKey hashes the (network, device, device_nr, mblk_name) tuple
// that uniquely identifies a memory block across the fabric (§3
// "Identities and invariants"), replacing a naive string-concatenation
// map key with a single xxhash pass over the tuple's bytes.
func fabricKey(network, device string, deviceNr uint32, mblkName string) uint64 {
	h := xxhash.New()
	h.WriteString(network)
	h.Write([]byte{0})
	h.WriteString(device)
	h.Write([]byte{0})
	var nrBuf [4]byte
	binary.LittleEndian.PutUint32(nrBuf[:], deviceNr)
	h.Write(nrBuf[:])
	h.WriteString(mblkName)
	return h.Sum64()
}

func removeMblk(list []*mblk.Block, target *mblk.Block) []*mblk.Block {
	for i, b := range list {
		if b == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// FindByIdentity looks up the memory block matching the given
// (network, device, device_nr, mblk_name) tuple via the hashed fabric
// index, the O(1) counterpart to the linear scan ioc_mbinfo_received
// performs over every registered block.
func (r *Root) FindByIdentity(network, device string, deviceNr uint32, mblkName string) *mblk.Block {
	key := fabricKey(network, device, deviceNr, mblkName)
	for _, b := range r.fabricIndex[key] {
		if b.Name != mblkName {
			continue
		}
		net, dev, nr := r.effectiveIdentity(b)
		if net == network && dev == device && nr == deviceNr {
			return b
		}
	}
	return nil
}

// BlockByID returns the memory block registered under id, or false if
// nothing (or something other than a block) is registered there.
func (r *Root) BlockByID(id uint32) (*mblk.Block, bool) {
	a, ok := r.mblks[id]
	if !ok {
		return nil, false
	}
	b, ok := a.(*mblk.Block)
	return b, ok
}

// Blocks returns every registered memory block. Used by mblkinfo's
// Advertiser to list the blocks to advertise (§4.5); order is
// unspecified, unlike the original's linked list.
func (r *Root) Blocks() []*mblk.Block {
	out := make([]*mblk.Block, 0, len(r.mblks))
	for _, a := range r.mblks {
		if b, ok := a.(*mblk.Block); ok {
			out = append(out, b)
		}
	}
	return out
}
func (r *Root) RegisterConnection(id uint32, a Attachable) { r.connections[id] = a }
func (r *Root) UnregisterConnection(id uint32) {
	delete(r.connections, id)
}
func (r *Root) RegisterEndpoint(id uint32, a Attachable) { r.endpoints[id] = a }
func (r *Root) UnregisterEndpoint(id uint32)             { delete(r.endpoints, id) }

// MarkDynamic records that mblkID was created dynamically on behalf of a
// peer advertisement, and ConnectedStreams increments whenever a
// connection reaches the CONNECTED state.
func (r *Root) MarkDynamic(mblkID uint32) { r.dynamicIndex[mblkID] = struct{}{} }
func (r *Root) IsDynamic(mblkID uint32) bool {
	_, ok := r.dynamicIndex[mblkID]
	return ok
}
func (r *Root) UnmarkDynamic(mblkID uint32) { delete(r.dynamicIndex, mblkID) }

// ConnectionEstablished and ConnectionDropped update the status counters
// named in §7 ("increment of CONNECTION_DROP_COUNT status on every
// memory block") and the original's IOC_NRO_CONNECTED_STREAMS, and
// publish both into every owned block's addressable status memory via
// WriteStatus/IncrementDropCount so applications can read them off any
// block rather than only through Root's own accessors.
func (r *Root) ConnectionEstablished() {
	r.statusConnectedStreams++
	r.publishConnectedStreams()
}
func (r *Root) ConnectionDropped() {
	if r.statusConnectedStreams > 0 {
		r.statusConnectedStreams--
	}
	r.statusDropCount++
	r.publishConnectedStreams()
	for _, a := range r.mblks {
		if b, ok := a.(*mblk.Block); ok {
			b.IncrementDropCount()
		}
	}
}

func (r *Root) publishConnectedStreams() {
	for _, a := range r.mblks {
		if b, ok := a.(*mblk.Block); ok {
			b.WriteStatus(mblk.StatusConnectedStreams, uint32(r.statusConnectedStreams))
		}
	}
}

// ConnectedStreams and DropCount report the current status counters.
func (r *Root) ConnectedStreams() int { return r.statusConnectedStreams }
func (r *Root) DropCount() uint32     { return r.statusDropCount }

// Destroy tears down end-points, connections, and memory blocks, in
// that order, matching ioc_release_root(). Each Attachable's
// RootRelease is invoked while the lock is held.
func (r *Root) Destroy() {
	r.Lock()
	defer r.Unlock()

	for _, ep := range r.endpoints {
		ep.RootRelease()
	}
	r.endpoints = map[uint32]Attachable{}

	for _, c := range r.connections {
		c.RootRelease()
	}
	r.connections = map[uint32]Attachable{}

	for _, m := range r.mblks {
		m.RootRelease()
	}
	r.mblks = map[uint32]Attachable{}
}

func (r *Root) String() string {
	return fmt.Sprintf("root(device=%s#%d net=%s blocks=%d conns=%d eps=%d)",
		r.Identity.DeviceName, r.Identity.DeviceNr, r.Identity.NetworkName,
		len(r.mblks), len(r.connections), len(r.endpoints))
}

// Mutex is the single process-wide lock named in §5: "The mutex is the
// only serialisation primitive; no reader/writer locks, no per-object
// mutexes." The original C root mutex is re-entrant because C call
// chains re-enter ioc_lock() freely; idiomatic Go instead structures
// call graphs so a goroutine never locks twice, so a plain sync.Mutex
// suffices here. Exported Root methods (Lock/Unlock) are the only
// callers that touch this; every other method on Root and its
// collaborators assumes the lock is already held and must never call
// Lock/Unlock itself (see DESIGN.md).
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Lock()   { m.mu.Lock() }
func (m *Mutex) Unlock() { m.mu.Unlock() }
