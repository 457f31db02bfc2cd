package ersatz

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// InterruptLevel 是中断状态：开或者关。
type InterruptLevel int

const (
	IntOff InterruptLevel = iota // 中断关闭
	IntOn                        // 中断打开
)

func (l InterruptLevel) String() string {
	if l == IntOff {
		return "IntOff"
	}
	return "IntOn"
}

// Interrupt 是模拟的「中断控制器」。
//
// 单处理器上，关中断就是内核里唯一的互斥手段：进调度器、动页帧表之前
// 必须先把中断关掉。这里用一把内核大锁来模拟这个纪律：
// SetLevel(IntOff) 拿锁，SetLevel(IntOn) 放锁，
// 各个入口用 getLevel() == IntOff 断言自己是在关中断的前提下被调的。
//
// ⚠️ 调度器内部不能再用别的锁：等锁的路径本身要走 FindNextToRun，
// 会无限递归。见 Scheduler。
type Interrupt struct {
	mu     sync.Mutex // 内核大锁，模拟"关中断"
	level  InterruptLevel
	kernel *Kernel
}

// NewInterrupt 构建中断控制器，初始状态中断打开。
func NewInterrupt(kernel *Kernel) *Interrupt {
	return &Interrupt{level: IntOn, kernel: kernel}
}

// getLevel 查询当前中断状态。
func (ic *Interrupt) getLevel() InterruptLevel {
	return ic.level
}

// SetLevel 切换中断状态，返回旧状态。
// 同状态切换是 no-op（比如已经关了再关一次），
// 这样嵌套的 SetLevel(IntOff) / SetLevel(oldLevel) 才能配对使用。
//
// 锁的交接靠上下文切换完成：A 关中断后切到 B，
// B 接着持有这把锁，由 B 负责开中断。
func (ic *Interrupt) SetLevel(level InterruptLevel) InterruptLevel {
	old := ic.level
	if level == old {
		return old
	}
	if level == IntOff {
		ic.mu.Lock()
		ic.level = IntOff
	} else {
		ic.level = IntOn
		ic.mu.Unlock()
	}
	return old
}

// Idle 空转一个时钟周期：就绪队列空了，但还有人在睡觉，
// 机器只能干等闹钟。每次空转推一下闹钟。
// 要是连睡觉的都没有，那就永远等不来活了，直接挂掉。
func (ic *Interrupt) Idle() {
	assert(ic.level == IntOff, "[INT] Idle: interrupts must be disabled")
	assert(!ic.kernel.scheduler.NoOneSleeping(),
		"[INT] Idle: no thread ready and no thread sleeping, machine would idle forever")

	log.Debug("[INT] machine idling, waiting for an alarm")
	ic.kernel.stats.TotalTicks++
	ic.kernel.scheduler.AlarmTicks()
}

// assert 检查内核不变量，违反即认为内核坏掉了，直接 panic 停机。
func assert(cond bool, format string, args ...interface{}) {
	if !cond {
		log.Panic("[ASSERT] ", fmt.Sprintf(format, args...))
	}
}
