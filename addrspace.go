package ersatz

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TranslationEntry 是页表项：虚拟页号到物理页帧的映射。
// valid 为 false 表示这页现在不在物理内存里（在交换区）。
type TranslationEntry struct {
	virtualPage  int
	physicalPage int
	valid        bool
}

// AddrSpace 是用户地址空间：一张页表加一组用户态寄存器的存档。
// 可执行文件的装载不在这个核心里，页的内容由 MemoryManager 负责搬运。
type AddrSpace struct {
	// id 只用来打日志，让同一个地址空间的日志能串起来。
	// 身份本身还是指针。
	id uuid.UUID

	machine   *Machine
	pageTable []TranslationEntry

	// userRegisters 是上下文切换时用户态寄存器的存档。
	userRegisters [NumTotalRegs]int
}

// NewAddrSpace 构建一个有 numPages 页的地址空间，所有页表项初始无效。
func NewAddrSpace(machine *Machine, numPages int) *AddrSpace {
	space := &AddrSpace{
		id:        uuid.New(),
		machine:   machine,
		pageTable: make([]TranslationEntry, numPages),
	}
	for i := range space.pageTable {
		space.pageTable[i].virtualPage = i
		space.pageTable[i].valid = false
	}
	log.WithFields(log.Fields{
		"space":    space.id,
		"numPages": numPages,
	}).Info("[AddrSpace] created")
	return space
}

// NumPages 返回地址空间的页数。
func (space *AddrSpace) NumPages() int {
	return len(space.pageTable)
}

// UpdatePhysPage 把页表里 vpn 映射到物理页帧 frame，并标为有效。
// 缺页处理把页读回内存之后调这个。
func (space *AddrSpace) UpdatePhysPage(vpn, frame int) {
	assert(vpn >= 0 && vpn < len(space.pageTable),
		"[AddrSpace] UpdatePhysPage: vpn %d out of range", vpn)
	space.pageTable[vpn].physicalPage = frame
	space.pageTable[vpn].valid = true
}

// SetInvalid 把页表里 vpn 的映射标为无效。换出受害页之前调这个。
func (space *AddrSpace) SetInvalid(vpn int) {
	assert(vpn >= 0 && vpn < len(space.pageTable),
		"[AddrSpace] SetInvalid: vpn %d out of range", vpn)
	space.pageTable[vpn].valid = false
}

// SaveUserState 存档用户态寄存器。切走之前调。
func (space *AddrSpace) SaveUserState() {
	copy(space.userRegisters[:], space.machine.registers[:])
}

// RestoreUserState 恢复用户态寄存器。切回来之后调。
func (space *AddrSpace) RestoreUserState() {
	copy(space.machine.registers[:], space.userRegisters[:])
}

// SaveState 存档地址空间相关的机器状态。
// 这个模拟里页表常驻 AddrSpace，没有额外要存的，留个钩子打日志。
func (space *AddrSpace) SaveState() {
	log.WithField("space", space.id).Trace("[AddrSpace] SaveState")
}

// RestoreState 恢复地址空间相关的机器状态。
func (space *AddrSpace) RestoreState() {
	log.WithField("space", space.id).Trace("[AddrSpace] RestoreState")
}
