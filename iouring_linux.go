//go:build linux

package fiberio

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw io_uring syscall numbers. golang.org/x/sys/unix does not wrap these
// directly, so they're issued via unix.Syscall with the numbers from the
// kernel's asm-generic/unistd.h (amd64/arm64 agree on these values).
const (
	sysIOURingSetup = 425
	sysIOURingEnter = 426
)

// Opcodes (IORING_OP_*) this backend issues.
const (
	opNop          = 0
	opPollAdd      = 6
	opPollRemove   = 7
	opAsyncCancel  = 14
	opRead         = 22
	opWrite        = 23
	opClose        = 19
)

const (
	setupFeatSingleMmap uint32 = 1 << 0

	enterGetevents uint32 = 1 << 0

	offSQRing uint64 = 0
	offCQRing uint64 = 0x8000000
	offSQEs   uint64 = 0x10000000
)

// ioSqringOffsets mirrors struct io_sqring_offsets.
type ioSqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                           uint64
}

// ioCqringOffsets mirrors struct io_cqring_offsets.
type ioCqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, Cqes, Flags, Resv1 uint32
	Resv2                                                           uint64
}

// ioUringParams mirrors struct io_uring_params.
type ioUringParams struct {
	SqEntries, CqEntries, Flags, SqThreadCPU, SqThreadIdle, Features, WqFd uint32
	Resv                                                                   [3]uint32
	SqOff                                                                  ioSqringOffsets
	CqOff                                                                  ioCqringOffsets
}

// ioUringSQE mirrors struct io_uring_sqe, padded to the kernel's 64 bytes.
type ioUringSQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32 // union: poll_events/rw_flags/etc, used here for poll mask
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFDIn  int32
	pad         [2]uint64
}

// ioUringCQE mirrors struct io_uring_cqe.
type ioUringCQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func ioUringSetup(entries uint32, p *ioUringParams) (int, error) {
	fd, _, errno := unix.Syscall(sysIOURingSetup, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func ioUringEnter(fd int, toSubmit, minComplete uint32, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(sysIOURingEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// ring holds the mmap'd submission/completion queues for one io_uring
// instance, grounded on the single-mmap layout shown in the cloudwego-gopkg
// and ehrlich-b-go-iouring reference implementations.
type ring struct {
	fd     int
	params ioUringParams

	sqRing []byte
	cqRing []byte // only distinct from sqRing pre-5.4; we require single-mmap
	sqes   []byte

	sqHead, sqTail, sqMask, sqEntries, sqFlags, sqDropped, sqArray *uint32
	sqesPtr                                                        unsafe.Pointer

	cqHead, cqTail, cqMask, cqEntries, cqOverflow *uint32
	cqesPtr                                       unsafe.Pointer
}

func newRing(depth uint32) (*ring, error) {
	var params ioUringParams
	fd, err := ioUringSetup(depth, &params)
	if err != nil {
		return nil, err
	}
	if params.Features&setupFeatSingleMmap == 0 {
		unix.Close(fd)
		return nil, ErrBackendUnsupported
	}

	r := &ring{fd: fd, params: params}
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := params.SqOff.Array + params.SqEntries*4
	cqRingSize := params.CqOff.Cqes + params.CqEntries*uint32(unsafe.Sizeof(ioUringCQE{}))
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	sqMem, err := unix.Mmap(fd, int64(offSQRing), int(ringSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	r.sqRing = sqMem
	r.cqRing = sqMem

	sqeSize := params.SqEntries * uint32(unsafe.Sizeof(ioUringSQE{}))
	sqes, err := unix.Mmap(fd, int64(offSQEs), int(sqeSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = unix.Munmap(sqMem)
		unix.Close(fd)
		return nil, err
	}
	r.sqes = sqes
	r.sqesPtr = unsafe.Pointer(&sqes[0])

	r.sqHead = (*uint32)(unsafe.Pointer(&sqMem[params.SqOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&sqMem[params.SqOff.Tail]))
	r.sqMask = (*uint32)(unsafe.Pointer(&sqMem[params.SqOff.RingMask]))
	r.sqEntries = (*uint32)(unsafe.Pointer(&sqMem[params.SqOff.RingEntries]))
	r.sqFlags = (*uint32)(unsafe.Pointer(&sqMem[params.SqOff.Flags]))
	r.sqDropped = (*uint32)(unsafe.Pointer(&sqMem[params.SqOff.Dropped]))
	r.sqArray = (*uint32)(unsafe.Pointer(&sqMem[params.SqOff.Array]))

	r.cqHead = (*uint32)(unsafe.Pointer(&sqMem[params.CqOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&sqMem[params.CqOff.Tail]))
	r.cqMask = (*uint32)(unsafe.Pointer(&sqMem[params.CqOff.RingMask]))
	r.cqEntries = (*uint32)(unsafe.Pointer(&sqMem[params.CqOff.RingEntries]))
	r.cqOverflow = (*uint32)(unsafe.Pointer(&sqMem[params.CqOff.Overflow]))
	r.cqesPtr = unsafe.Pointer(&sqMem[params.CqOff.Cqes])

	return r, nil
}

func (r *ring) sqeAt(i uint32) *ioUringSQE {
	return (*ioUringSQE)(unsafe.Pointer(uintptr(r.sqesPtr) + uintptr(i)*unsafe.Sizeof(ioUringSQE{})))
}

func (r *ring) cqeAt(i uint32) *ioUringCQE {
	return (*ioUringCQE)(unsafe.Pointer(uintptr(r.cqesPtr) + uintptr(i)*unsafe.Sizeof(ioUringCQE{})))
}

// getSQE returns the next free SQE slot, or nil if the ring is full.
func (r *ring) getSQE() *ioUringSQE {
	tail := atomic.LoadUint32(r.sqTail)
	head := atomic.LoadUint32(r.sqHead)
	if tail-head >= *r.sqEntries {
		return nil
	}
	idx := tail & *r.sqMask
	sqe := r.sqeAt(idx)
	*sqe = ioUringSQE{}
	arrSlot := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(r.sqArray)) + uintptr(idx)*4))
	*arrSlot = idx
	return sqe
}

// advanceSQ publishes one more submission to the kernel.
func (r *ring) advanceSQ() { atomic.AddUint32(r.sqTail, 1) }

func (r *ring) pendingSQEs() uint32 {
	return atomic.LoadUint32(r.sqTail) - atomic.LoadUint32(r.sqHead)
}

// submit issues io_uring_enter for any pending SQEs, returning the number
// accepted. flags additionally requests waiting for minComplete CQEs.
func (r *ring) submit(minComplete uint32, wait bool) (int, error) {
	toSubmit := r.pendingSQEs()
	var flags uint32
	if wait {
		flags |= enterGetevents
	}
	for {
		n, err := ioUringEnter(r.fd, toSubmit, minComplete, flags)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (r *ring) peekCQE() *ioUringCQE {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return nil
	}
	return r.cqeAt(head & *r.cqMask)
}

func (r *ring) advanceCQ() { atomic.AddUint32(r.cqHead, 1) }

func (r *ring) close() error {
	var firstErr error
	if r.sqes != nil {
		if err := unix.Munmap(r.sqes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sqRing != nil {
		if err := unix.Munmap(r.sqRing); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
