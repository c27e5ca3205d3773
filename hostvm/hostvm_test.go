package hostvm_test

import (
	"testing"

	"github.com/nvmmfs/nvmm/balloc"
	"github.com/nvmmfs/nvmm/hostvm"
	"github.com/nvmmfs/nvmm/layout"
	"github.com/nvmmfs/nvmm/pgtable"
	"github.com/nvmmfs/nvmm/region"
	"github.com/nvmmfs/nvmm/varena"
)

// fakeSuperblock is a minimal balloc.SuperblockView backed by plain fields,
// used only to exercise the allocator in these tests.
type fakeSuperblock struct {
	head  region.Offset
	count uint64
	start uint64
	end   uint64
}

func (s *fakeSuperblock) FreeBlockHead() region.Offset     { return s.head }
func (s *fakeSuperblock) SetFreeBlockHead(o region.Offset) { s.head = o }
func (s *fakeSuperblock) FreeBlockCount() uint64           { return s.count }
func (s *fakeSuperblock) SetFreeBlockCount(n uint64)       { s.count = n }
func (s *fakeSuperblock) DataStart() uint64                { return s.start }
func (s *fakeSuperblock) DataEnd() uint64                  { return s.end }
func (s *fakeSuperblock) SetFreeBlockHint(uint64)          {}

func newTestAllocator(t *testing.T, nblocks int) (region.Region, *balloc.Allocator) {
	t.Helper()
	// Block 0 stays unused: offset 0 is region.Invalid, the free-list
	// terminator, so the nblocks free blocks are blocks 1..nblocks.
	size := uint64(nblocks+1) * layout.BlockSize
	r := region.NewMemory(size)
	sb := &fakeSuperblock{start: layout.BlockSize, end: size}

	head := region.Invalid
	for i := nblocks; i >= 1; i-- {
		off := region.Offset(uint64(i) * layout.BlockSize)
		buf := r.At(off, 8)
		put64(buf, uint64(head))
		head = off
	}
	sb.head = head
	sb.count = uint64(nblocks)

	return r, balloc.New(r, sb)
}

func put64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func TestMappingEstablishDirectory(t *testing.T) {
	r, bal := newTestAllocator(t, 8)
	tree := pgtable.New(r, bal, region.Invalid)
	if err := tree.Insert(0, region.Offset(0)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	arena := varena.New(0x1000_0000, 4, 1)
	mapper := hostvm.NewStub()
	m := hostvm.New(tree, arena, mapper, varena.KindDirectory)

	if m.Installed() {
		t.Fatalf("expected not installed before Establish")
	}
	if err := m.Establish(); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if !m.Installed() {
		t.Fatalf("expected installed after Establish")
	}

	vaddr := m.VAddr()
	table, level, ok := mapper.Installed(vaddr)
	if !ok {
		t.Fatalf("expected an entry installed at %#x", vaddr)
	}
	if level != pgtable.LevelPMD {
		t.Fatalf("level = %v, want PMD", level)
	}
	if table != tree.Root() {
		t.Fatalf("installed table = %v, want tree root %v", table, tree.Root())
	}

	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if m.Installed() {
		t.Fatalf("expected not installed after Destroy")
	}
	if mapper.EntryCount() != 0 {
		t.Fatalf("expected no entries left after Destroy")
	}
	if mapper.TLBFlushCount() != 1 || mapper.CacheFlushCount() != 1 {
		t.Fatalf("expected exactly one TLB and cache flush on Destroy")
	}
}

func TestMappingFileRefcounted(t *testing.T) {
	r, bal := newTestAllocator(t, 8)
	tree := pgtable.New(r, bal, region.Invalid)
	if err := tree.Insert(0, region.Offset(0)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	arena := varena.New(0x7f0000000000, 0, 1)
	mapper := hostvm.NewStub()
	m := hostvm.New(tree, arena, mapper, varena.KindFile)

	if err := m.Establish(); err != nil {
		t.Fatalf("first Establish: %v", err)
	}
	if err := m.Establish(); err != nil {
		t.Fatalf("second Establish: %v", err)
	}

	if n := mapper.EntryCount(); n != 1 {
		t.Fatalf("expected exactly one populated root entry installed, got %d", n)
	}

	if err := m.Destroy(); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if !m.Installed() {
		t.Fatalf("mapping should still be installed: refcount was 2")
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if m.Installed() {
		t.Fatalf("mapping should be torn down after refcount reaches zero")
	}
}

func TestMappingRefreshInstallsLateBlocks(t *testing.T) {
	r, bal := newTestAllocator(t, 8)
	tree := pgtable.New(r, bal, region.Invalid)

	arena := varena.New(0x1000_0000, 4, 1)
	mapper := hostvm.NewStub()
	m := hostvm.New(tree, arena, mapper, varena.KindDirectory)

	if err := m.Establish(); err != nil {
		t.Fatalf("Establish on empty tree: %v", err)
	}
	if mapper.EntryCount() != 0 {
		t.Fatalf("expected no entry installed for an empty tree")
	}

	if err := tree.Insert(0, region.Offset(0)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if mapper.EntryCount() != 1 {
		t.Fatalf("expected Refresh to install the now-present root")
	}
}
