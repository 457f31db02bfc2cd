package ersatz

import (
	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

// FrameInfoEntry 记一个物理页帧（或者交换区扇区）的占用情况。
// valid 为 true 表示槽是空的；false 表示装着 (space, vpn) 这一页。
// lock 为 true 表示这个槽正在做 I/O，被钉住了，谁都不许动。
type FrameInfoEntry struct {
	valid bool       // 槽是不是空的
	lock  bool       // doing I/O
	space *AddrSpace // 哪个地址空间占着这个槽
	vpn   int        // 占着的是它的第几个虚拟页
}

// MemoryManager 是内存管理器：管物理页帧表、交换区扇区表，
// 处理缺页，按近似 LRU 挑换出的受害页。
//
// 一页同一时刻只住在一边：要么在某个页帧里，要么在某个扇区里。
// 正在做 I/O 的槽用 lock 标志钉住，别人碰到了就让出 CPU 等它清掉。
type MemoryManager struct {
	kernel *Kernel

	frameTable []FrameInfoEntry // record every physical page's information
	swapTable  []FrameInfoEntry // record every sector's information in swapDisk

	// lruStack 是在用页帧的近似 LRU 序：队头最旧，队尾最新。
	// 拿到新页帧排队尾，被访问挪到队尾，受害者从队头找。
	lruStack []int
}

// NewMemoryManager 构建内存管理器，帧表扇区表全空。
func NewMemoryManager(kernel *Kernel) *MemoryManager {
	m := &MemoryManager{
		kernel:     kernel,
		frameTable: make([]FrameInfoEntry, kernel.machine.NumPhysPages),
		swapTable:  make([]FrameInfoEntry, kernel.swapDisk.NumSectors),
	}
	for i := range m.frameTable {
		m.frameTable[i].valid = true
	}
	for i := range m.swapTable {
		m.swapTable[i].valid = true
	}
	log.WithFields(log.Fields{
		"numPhysPages": len(m.frameTable),
		"numSectors":   len(m.swapTable),
	}).Info("[MM] created")
	return m
}

// TransAddr 把 space 里的虚拟地址翻译成物理地址。
// 页不在内存里就走缺页处理，把它从交换区搬回来。
func (m *MemoryManager) TransAddr(space *AddrSpace, virtAddr int, loadTime bool) int {
	vpn := virtAddr / PageSize // virtual page number
	offset := virtAddr % PageSize

	pageFrame := -1
	for i := range m.frameTable {
		if !m.frameTable[i].valid && m.frameTable[i].space == space && m.frameTable[i].vpn == vpn {
			pageFrame = i
		}
	}
	if pageFrame == -1 { // the page is in swap disk
		pageFrame = m.PageFaultHandler(vpn, loadTime)
	}
	return pageFrame*PageSize + offset
}

// AcquirePage 为 (space, vpn) 要一个页帧。
// 有空闲的（valid 且没锁）就直接占；没有就踢一个受害页出去腾地方。
// KickVictim 只负责腾，帧上的新住户 (space, vpn) 在这里填。
func (m *MemoryManager) AcquirePage(space *AddrSpace, vpn int, loadTime bool) int {
	assert(vpn >= 0 && vpn < space.NumPages(),
		"[MM] AcquirePage: vpn %d out of range for space %v", vpn, space.id)

	for i := range m.frameTable { // find valid frame
		if m.frameTable[i].valid && !m.frameTable[i].lock {
			m.frameTable[i].valid = false
			m.frameTable[i].space = space
			m.frameTable[i].vpn = vpn
			m.lruStack = append(m.lruStack, i)
			log.WithField("frame", i).Debug("[MM] acquiring frame page")
			return i
		}
	}

	newPage := m.KickVictim(loadTime) // pick a victim and kick it to swap disk

	assert(!m.frameTable[newPage].valid, "[MM] AcquirePage: victim frame must stay in use")
	m.frameTable[newPage].space = space
	m.frameTable[newPage].vpn = vpn
	m.lruStack = append(m.lruStack, newPage)
	log.WithField("frame", newPage).Debug("[MM] acquiring frame page")
	return newPage
}

// ReleasePage 释放 (space, vpn) 这一页。两边都扫：
// 这页活着的时候可能在内存和交换区之间搬过家。
// 调用者要保证这页上没有在途 I/O。
func (m *MemoryManager) ReleasePage(space *AddrSpace, vpn int) {
	for i := range m.frameTable {
		if !m.frameTable[i].valid && m.frameTable[i].space == space && m.frameTable[i].vpn == vpn {
			m.frameTable[i].valid = true
			m.removeFromLRU(i)
		}
	}
	for i := range m.swapTable {
		if !m.swapTable[i].valid && m.swapTable[i].space == space && m.swapTable[i].vpn == vpn {
			m.swapTable[i].valid = true
		}
	}
	log.WithFields(log.Fields{
		"space": space.id,
		"vpn":   vpn,
	}).Debug("[MM] release page")
}

// PageFaultHandler 处理缺页：当前线程要的 vpn 不在内存里，
// 一定在交换区（不在就是页丢了，内核坏了）。
// 找到它住的扇区，要一个页帧，把页读回来，改页表，扇区腾空。
func (m *MemoryManager) PageFaultHandler(vpn int, loadTime bool) int {
	space := m.kernel.currentThread.Space()

	swapBackPage := -1
	for i := range m.swapTable {
		if !m.swapTable[i].valid && m.swapTable[i].space == space && m.swapTable[i].vpn == vpn {
			swapBackPage = i
			break
		}
	}
	assert(swapBackPage != -1, "[MM] page fault: page (space %v, vpn %d) lost", space.id, vpn)

	for m.swapTable[swapBackPage].lock { // 有人在这个扇区上做 I/O，等它做完
		m.kernel.currentThread.Yield()
	}

	newPage := m.AcquirePage(space, vpn, loadTime)
	dst := m.kernel.machine.Page(newPage)

	log.WithFields(log.Fields{
		"sector": swapBackPage,
		"frame":  newPage,
	}).Debug("[MM] reading sector to frame page")

	assert(!m.frameTable[newPage].lock, "[MM] page fault: destination frame locked")
	assert(!m.swapTable[swapBackPage].lock, "[MM] page fault: source sector locked")
	m.frameTable[newPage].lock = true
	m.swapTable[swapBackPage].lock = true
	m.kernel.swapDisk.ReadSector(swapBackPage, dst, loadTime)
	// return only after the data has been read
	m.frameTable[newPage].lock = false
	m.swapTable[swapBackPage].lock = false

	space.UpdatePhysPage(vpn, newPage) // set the page table

	m.swapTable[swapBackPage].valid = true

	return newPage
}

// UpdateLRUStack 把刚被访问的页帧挪到 LRU 栈尾（最新的那头）。
// 由外部的 TLB/地址翻译协作者在访问页帧时调；TransAddr 命中时不调它。
func (m *MemoryManager) UpdateLRUStack(recentlyUsedPage int) {
	m.removeFromLRU(recentlyUsedPage)
	m.lruStack = append(m.lruStack, recentlyUsedPage)
}

// CheckLock 等到第 page 个页帧上的 I/O 做完。
func (m *MemoryManager) CheckLock(page int) {
	for m.frameTable[page].lock {
		m.kernel.currentThread.Yield()
	}
	assert(!m.frameTable[page].lock, "[MM] CheckLock: lock still held")
}

// KickVictim 从 LRU 栈队头起找第一个没锁的页帧当受害者，
// 把它的页写去交换区，腾出这个帧。
// 帧上的 (space, vpn) 不在这里改，填新住户是 AcquirePage 的事，
// 这里只负责把旧住户搬走。
// 交换区满了说明这个设计的前提被打破了，直接停机。
func (m *MemoryManager) KickVictim(loadTime bool) int {
	victimPage := -1
	for _, page := range m.lruStack {
		if !m.frameTable[page].lock {
			victimPage = page
			break
		}
	}
	assert(victimPage != -1, "[MM] KickVictim: every in-use frame is locked")
	m.removeFromLRU(victimPage)

	assert(!m.frameTable[victimPage].lock, "[MM] KickVictim: victim doing I/O")
	assert(!m.frameTable[victimPage].valid, "[MM] KickVictim: victim not in use")

	victimSpace := m.frameTable[victimPage].space
	victimVPN := m.frameTable[victimPage].vpn
	victimData := m.kernel.machine.Page(victimPage)

	victimSpace.SetInvalid(victimVPN) // set the page table

	for i := range m.swapTable { // find valid swap sector
		if m.swapTable[i].valid && !m.swapTable[i].lock {
			m.swapTable[i].valid = false
			m.swapTable[i].space = victimSpace
			m.swapTable[i].vpn = victimVPN

			log.WithFields(log.Fields{
				"frame":  victimPage,
				"sector": i,
			}).Debug("[MM] writing frame page to sector")

			assert(!m.frameTable[victimPage].lock, "[MM] KickVictim: victim frame locked")
			assert(!m.swapTable[i].lock, "[MM] KickVictim: target sector locked")
			m.frameTable[victimPage].lock = true
			m.swapTable[i].lock = true
			m.kernel.swapDisk.WriteSector(i, victimData, loadTime)
			// return only after the data has been written
			m.frameTable[victimPage].lock = false
			m.swapTable[i].lock = false

			return victimPage
		}
	}
	assert(false, "[MM] KickVictim: swap disk exhausted") // assume always have empty sector
	return 0
}

func (m *MemoryManager) removeFromLRU(page int) {
	for i, p := range m.lruStack {
		if p == page {
			m.lruStack = append(m.lruStack[:i], m.lruStack[i+1:]...)
			return
		}
	}
}

// Print 打印帧表和扇区表的占用情况，调试用。
func (m *MemoryManager) Print() {
	log.WithField("lruStack", m.lruStack).Info("[MM] frame table contents")
	log.Debug("[MM] ", spew.Sdump(m.frameTable))
	log.Debug("[MM] ", spew.Sdump(m.swapTable))
}
