package ersatz

import (
	"bytes"
	"testing"
)

// newTinyKernel 换上一台只有 numFrames 个页帧、numSectors 个扇区的小机器，
// 换页的边界情况全靠它。
func newTinyKernel(numFrames, numSectors int) *Kernel {
	k := NewKernel(FCFS)
	k.machine = NewMachine(numFrames)
	k.swapDisk = NewSwapDisk("swap-test", numSectors, k)
	k.memoryManager = NewMemoryManager(k)
	return k
}

func fillPage(p []byte, b byte) {
	for i := range p {
		p[i] = b
	}
}

func pageOf(b byte) []byte {
	p := make([]byte, PageSize)
	fillPage(p, b)
	return p
}

// checkMemoryInvariants 摸一遍内存管理器的不变量：
// lock ⇒ 槽在用；lruStack 恰好是在用页帧的集合、无重复；
// 一页不能同时在帧表和扇区表里。
func checkMemoryInvariants(t *testing.T, m *MemoryManager) {
	t.Helper()

	for i := range m.frameTable {
		if m.frameTable[i].lock && m.frameTable[i].valid {
			t.Errorf("frame %d: locked but free", i)
		}
	}
	for i := range m.swapTable {
		if m.swapTable[i].lock && m.swapTable[i].valid {
			t.Errorf("sector %d: locked but free", i)
		}
	}

	inLRU := map[int]bool{}
	for _, page := range m.lruStack {
		if inLRU[page] {
			t.Errorf("frame %d appears twice in lruStack", page)
		}
		inLRU[page] = true
	}
	for i := range m.frameTable {
		if !m.frameTable[i].valid && !inLRU[i] {
			t.Errorf("frame %d in use but not in lruStack", i)
		}
		if m.frameTable[i].valid && inLRU[i] {
			t.Errorf("frame %d free but in lruStack", i)
		}
	}

	for i := range m.frameTable {
		if m.frameTable[i].valid {
			continue
		}
		for j := range m.swapTable {
			if !m.swapTable[j].valid &&
				m.swapTable[j].space == m.frameTable[i].space &&
				m.swapTable[j].vpn == m.frameTable[i].vpn {
				t.Errorf("page (space %v, vpn %d) in frame %d and sector %d at once",
					m.frameTable[i].space.id, m.frameTable[i].vpn, i, j)
			}
		}
	}
}

func TestAcquireAndReleasePage(t *testing.T) {
	k := newTinyKernel(4, 4)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 4)

	f0 := m.AcquirePage(space, 0, true)
	f1 := m.AcquirePage(space, 1, true)
	if f0 != 0 || f1 != 1 {
		t.Errorf("want frames 0, 1, got %d, %d", f0, f1)
	}
	if len(m.lruStack) != 2 || m.lruStack[0] != f0 || m.lruStack[1] != f1 {
		t.Errorf("want lruStack [0 1], got %v", m.lruStack)
	}
	checkMemoryInvariants(t, m)

	m.ReleasePage(space, 0)
	if !m.frameTable[f0].valid {
		t.Error("frame 0 should be free after release")
	}
	if len(m.lruStack) != 1 || m.lruStack[0] != f1 {
		t.Errorf("want lruStack [1], got %v", m.lruStack)
	}
	checkMemoryInvariants(t, m)

	// 释放过的帧可以再分出去
	f2 := m.AcquirePage(space, 2, true)
	if f2 != f0 {
		t.Errorf("want reuse of frame %d, got %d", f0, f2)
	}
	checkMemoryInvariants(t, m)
}

// 地址翻译：页在内存里就直接算物理地址，不走缺页。
// （不在内存又不在交换区的页会让缺页处理直接停机，
// 所以能平安返回本身就说明命中了。）
func TestTransAddrHit(t *testing.T) {
	k := newTinyKernel(2, 2)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 2)
	k.currentThread.SetSpace(space)

	f0 := m.AcquirePage(space, 0, true)
	space.UpdatePhysPage(0, f0)

	got := m.TransAddr(space, 5, false)
	if want := f0*PageSize + 5; got != want {
		t.Errorf("want physAddr %d, got %d", want, got)
	}
}

// 场景：F=2，S=2，进程有 3 页。0、1 进帧，2 进来把 0 踢去交换区；
// 再访问 0 就缺页，从交换区读回来，字节原样。
func TestPageFaultRoundTrip(t *testing.T) {
	k := newTinyKernel(2, 2)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 3)
	k.currentThread.SetSpace(space)

	f0 := m.AcquirePage(space, 0, true)
	space.UpdatePhysPage(0, f0)
	fillPage(k.machine.Page(f0), 0xA1)

	f1 := m.AcquirePage(space, 1, true)
	space.UpdatePhysPage(1, f1)
	fillPage(k.machine.Page(f1), 0xB2)
	checkMemoryInvariants(t, m)

	// 没空帧了：vpn2 进来要踢掉最旧的 frame0（vpn0 → 扇区）
	f2 := m.AcquirePage(space, 2, true)
	space.UpdatePhysPage(2, f2)
	fillPage(k.machine.Page(f2), 0xC3)
	if f2 != f0 {
		t.Errorf("want victim frame %d reused, got %d", f0, f2)
	}
	if space.pageTable[0].valid {
		t.Error("vpn 0 should be invalid after eviction")
	}
	swapHolds0 := false
	for i := range m.swapTable {
		if !m.swapTable[i].valid && m.swapTable[i].space == space && m.swapTable[i].vpn == 0 {
			swapHolds0 = true
			if !bytes.Equal(k.swapDisk.sector(i), pageOf(0xA1)) {
				t.Error("evicted page bytes corrupted in swap")
			}
		}
	}
	if !swapHolds0 {
		t.Fatal("vpn 0 should live in the swap area after eviction")
	}
	checkMemoryInvariants(t, m)

	// 访问 vpn0：缺页，读回来
	physAddr := m.TransAddr(space, 0*PageSize+5, false)
	frame := physAddr / PageSize
	if physAddr%PageSize != 5 {
		t.Errorf("want offset 5, got %d", physAddr%PageSize)
	}
	if !bytes.Equal(k.machine.Page(frame), pageOf(0xA1)) {
		t.Error("page bytes not identical after swap round-trip")
	}
	if !space.pageTable[0].valid || space.pageTable[0].physicalPage != frame {
		t.Error("page table not updated after page fault")
	}
	checkMemoryInvariants(t, m)

	// vpn1 被挤出去了，再读回来也得原样
	physAddr = m.TransAddr(space, 1*PageSize, false)
	if !bytes.Equal(k.machine.Page(physAddr/PageSize), pageOf(0xB2)) {
		t.Error("second round-trip corrupted page bytes")
	}
	checkMemoryInvariants(t, m)
}

// 场景：两个帧都在用，frame0 更旧但锁着（做 I/O），受害者得是 frame1。
func TestKickVictimSkipsLocked(t *testing.T) {
	k := newTinyKernel(2, 2)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 2)
	k.currentThread.SetSpace(space)

	m.AcquirePage(space, 0, true)
	m.AcquirePage(space, 1, true)
	space.UpdatePhysPage(0, 0)
	space.UpdatePhysPage(1, 1)

	m.frameTable[0].lock = true // frame0 正在做 I/O
	checkMemoryInvariants(t, m)

	victim := m.KickVictim(false)
	if victim != 1 {
		t.Errorf("want victim frame 1 (oldest unlocked), got %d", victim)
	}
	if len(m.lruStack) != 1 || m.lruStack[0] != 0 {
		t.Errorf("locked frame should stay in lruStack, got %v", m.lruStack)
	}
	m.frameTable[0].lock = false

	// KickVictim 只负责腾地方，帧上的住户信息留给 AcquirePage 填
	if m.frameTable[victim].valid {
		t.Error("victim frame should stay marked in use")
	}
}

// LRU 法则：被访问的页挪到栈尾，受害者永远是栈头最旧的没锁的。
func TestUpdateLRUStackAndVictimOrder(t *testing.T) {
	k := newTinyKernel(2, 4)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 2)
	k.currentThread.SetSpace(space)

	m.AcquirePage(space, 0, true)
	m.AcquirePage(space, 1, true)
	space.UpdatePhysPage(0, 0)
	space.UpdatePhysPage(1, 1)

	m.UpdateLRUStack(0) // 刚用过 frame0，现在 frame1 最旧
	if m.lruStack[0] != 1 || m.lruStack[1] != 0 {
		t.Fatalf("want lruStack [1 0], got %v", m.lruStack)
	}

	victim := m.KickVictim(false)
	if victim != 1 {
		t.Errorf("want victim frame 1, got %d", victim)
	}
}

// ReleasePage 两边都扫：页搬过家之后留在交换区的壳也要收掉。
func TestReleasePageSweepsSwap(t *testing.T) {
	k := newTinyKernel(1, 2)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 2)
	k.currentThread.SetSpace(space)

	m.AcquirePage(space, 0, true)
	space.UpdatePhysPage(0, 0)
	m.AcquirePage(space, 1, true) // 把 vpn0 挤去交换区
	space.UpdatePhysPage(1, 0)
	checkMemoryInvariants(t, m)

	m.ReleasePage(space, 0) // vpn0 现在住在扇区里
	for i := range m.swapTable {
		if !m.swapTable[i].valid && m.swapTable[i].space == space && m.swapTable[i].vpn == 0 {
			t.Error("swap entry for vpn 0 should be freed")
		}
	}
	checkMemoryInvariants(t, m)
}

// CheckLock 是协作式等锁：让出 CPU 等做 I/O 的人把锁清掉。
func TestCheckLockYieldsUntilClear(t *testing.T) {
	k := newTinyKernel(2, 2)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 2)
	k.currentThread.SetSpace(space)

	m.AcquirePage(space, 0, true)
	m.frameTable[0].lock = true

	k.Fork("unlocker", func() {
		m.frameTable[0].lock = false
	})

	m.CheckLock(0) // 会一直 Yield 到 unlocker 清锁
	if m.frameTable[0].lock {
		t.Error("lock should be clear after CheckLock returns")
	}
}

// 缺页时目标扇区正在做 I/O：先让出 CPU 等锁清掉，再搬页。
func TestPageFaultWaitsForLockedSector(t *testing.T) {
	k := newTinyKernel(1, 2)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 2)
	k.currentThread.SetSpace(space)

	m.AcquirePage(space, 0, true)
	space.UpdatePhysPage(0, 0)
	fillPage(k.machine.Page(0), 0xEE)
	m.AcquirePage(space, 1, true) // vpn0 被挤去扇区
	space.UpdatePhysPage(1, 0)

	var sector int
	for i := range m.swapTable {
		if !m.swapTable[i].valid && m.swapTable[i].vpn == 0 {
			sector = i
		}
	}
	m.swapTable[sector].lock = true
	k.Fork("io-finisher", func() {
		m.swapTable[sector].lock = false
	})

	frame := m.PageFaultHandler(0, false)
	if !bytes.Equal(k.machine.Page(frame), pageOf(0xEE)) {
		t.Error("page bytes corrupted after waiting for locked sector")
	}
	checkMemoryInvariants(t, m)
}

// 页既不在内存也不在交换区：页丢了，内核没法救，直接停机。
func TestPageFaultOnLostPagePanics(t *testing.T) {
	k := newTinyKernel(2, 2)
	space := NewAddrSpace(k.machine, 2)
	k.currentThread.SetSpace(space)

	mustPanic(t, "PageFaultHandler(lost page)", func() {
		k.memoryManager.PageFaultHandler(0, false)
	})
}

// 交换区被住满之后再踢人就没地方放了。设计上认为这不会发生，发生即停机。
func TestKickVictimSwapExhaustedPanics(t *testing.T) {
	k := newTinyKernel(1, 1)
	m := k.memoryManager
	space := NewAddrSpace(k.machine, 3)
	k.currentThread.SetSpace(space)

	m.AcquirePage(space, 0, true)
	space.UpdatePhysPage(0, 0)
	m.AcquirePage(space, 1, true) // vpn0 进了唯一的扇区
	space.UpdatePhysPage(1, 0)

	mustPanic(t, "KickVictim(no free sector)", func() {
		m.AcquirePage(space, 2, true)
	})
}

// vpn 超出地址空间的范围就不该拿得到页帧。
func TestAcquirePageVPNOutOfRange(t *testing.T) {
	k := newTinyKernel(2, 2)
	space := NewAddrSpace(k.machine, 2)

	mustPanic(t, "AcquirePage(vpn out of range)", func() {
		k.memoryManager.AcquirePage(space, 2, true)
	})
}

// 交换盘自己的读写回环：写一个扇区再读回来，字节一致。
func TestSwapDiskRoundTrip(t *testing.T) {
	k := newTinyKernel(2, 2)

	src := pageOf(0x5A)
	dst := make([]byte, PageSize)
	k.swapDisk.WriteSector(1, src, false)
	k.swapDisk.ReadSector(1, dst, false)

	if !bytes.Equal(src, dst) {
		t.Error("sector round-trip not byte-identical")
	}
}
