package ersatz

import (
	"runtime"

	log "github.com/sirupsen/logrus"
)

// 模拟机器的配置常量。
// 页帧和交换区扇区一样大，一个扇区正好放下一页。
const (
	PageSize = 128 // bytes per page (== bytes per sector)

	DefaultNumPhysPages = 32   // 默认物理页帧数
	DefaultNumSectors   = 1024 // 默认交换区扇区数

	NumTotalRegs = 40 // 模拟的用户态寄存器个数

	// StackCanary 放在每个线程"栈"底部的魔数，
	// 被改写即视为栈溢出。
	StackCanary = 0xdeadbeef
)

// Machine 是模拟的「机器」：一块物理内存加一组用户态寄存器。
// 真机器上这里还有 ISA 模拟器，这个核心里不需要。
type Machine struct {
	NumPhysPages int
	mainMemory   []byte

	registers [NumTotalRegs]int
}

// NewMachine 构建一块有 numPhysPages 个页帧的「机器」。
func NewMachine(numPhysPages int) *Machine {
	log.WithField("numPhysPages", numPhysPages).Info("[Machine] power on")
	return &Machine{
		NumPhysPages: numPhysPages,
		mainMemory:   make([]byte, numPhysPages*PageSize),
	}
}

// Page 取第 frame 个页帧对应的那片内存。
func (m *Machine) Page(frame int) []byte {
	assert(frame >= 0 && frame < m.NumPhysPages,
		"[Machine] Page: frame %d out of range", frame)
	return m.mainMemory[frame*PageSize : (frame+1)*PageSize]
}

// Switch 是机器相关的栈切换原语，即 SWITCH(oldThread, nextThread)：
// 把 CPU 从 oldThread 的栈上换到 nextThread 的栈上。
// 这里用 goroutine + channel 接力棒来模拟：唤醒 nextThread，停住 oldThread。
// 该调用返回时，已经是 oldThread 下一次被调度上 CPU 的时候了。
//
// finishing 的线程交出接力棒之后就不再回来，
// goroutine 直接退出，尸体留给下一个线程去收（见 Scheduler.CheckToBeDestroyed）。
func (m *Machine) Switch(oldThread, nextThread *Thread) {
	log.WithFields(log.Fields{
		"from": oldThread.Name(),
		"to":   nextThread.Name(),
	}).Debug("[Machine] context switching...")

	// 交棒之前先看自己是不是 ZOMBIE：棒一交出去，
	// 别人就可能开始动这个线程了。
	finishing := oldThread.status == StatusZombie

	nextThread.baton <- struct{}{}

	if finishing {
		runtime.Goexit() // 不再回来
	}

	<-oldThread.baton
	// we're back, running oldThread
}
