package ersatz

import (
	log "github.com/sirupsen/logrus"
)

// Stats 记录模拟机器的时钟读数。只增不减。
type Stats struct {
	TotalTicks int // 机器通电以来总共走过的 tick
	UserTicks  int // 花在用户态代码上的 tick
}

// AdvanceUserTicks 模拟用户态代码跑掉 n 个 tick。
func (st *Stats) AdvanceUserTicks(n int) {
	assert(n >= 0, "[Stats] AdvanceUserTicks: n must be non-negative")
	st.UserTicks += n
	st.TotalTicks += n
}

// Kernel 是模拟的「内核」：把 CPU、内存、交换盘、调度器、
// 内存管理器攒在一起的东西。单核，协作式。
type Kernel struct {
	interrupt     *Interrupt
	stats         *Stats
	machine       *Machine
	swapDisk      *SwapDisk
	scheduler     *Scheduler
	memoryManager *MemoryManager

	// currentThread 是正在 CPU 上跑的线程，全机只有一个。
	currentThread *Thread
}

// NewKernel 构建一个用 schedulerType 策略调度的「内核」。
// 调用者所在的 goroutine 被收编成 main 线程，状态 RUNNING。
func NewKernel(schedulerType SchedulerType) *Kernel {
	k := &Kernel{}
	k.interrupt = NewInterrupt(k)
	k.stats = &Stats{}
	k.machine = NewMachine(DefaultNumPhysPages)
	k.swapDisk = NewSwapDisk("swap", DefaultNumSectors, k)
	k.scheduler = NewScheduler(k, schedulerType)
	k.memoryManager = NewMemoryManager(k)

	main := NewThread(k, "main")
	main.setStatus(StatusRunning)
	k.currentThread = main
	// main 没走过 ReadyToRun，账本上的户头在这里开
	k.scheduler.burstMap[main] = &BurstRecord{}

	log.WithField("scheduler", schedulerType).Info("[Kernel] boot")
	return k
}

// TODO: 加一个 Timer 设备自动触发 RR 的时间片轮转，现在要靠调用方自己 Yield。

/********* 👇 SYSTEM CALLS 👇 ***************/

// Fork 建一个名为 name 的线程去跑 f，放进就绪队列。
func (k *Kernel) Fork(name string, f func()) *Thread {
	t := NewThread(k, name)
	t.Fork(f)
	return t
}

// Yield 当前线程主动让出 CPU。
func (k *Kernel) Yield() {
	k.currentThread.Yield()
}

// Sleep 当前线程睡 ticks 个时钟周期。
func (k *Kernel) Sleep(ticks int) {
	oldLevel := k.interrupt.SetLevel(IntOff)
	k.scheduler.SetToSleep(ticks)
	k.interrupt.SetLevel(oldLevel)
}

// ReadyToRun 把线程放进就绪队列。
// 抢占式 SJF 下，新来的剩余估计严格更短就把现任赶下去。
// （抢占的判断在调度器，让位的动作在这里：让位的只能是现任自己。）
func (k *Kernel) ReadyToRun(t *Thread) {
	oldLevel := k.interrupt.SetLevel(IntOff)
	preempt := k.scheduler.ShouldPreempt(t)
	k.scheduler.ReadyToRun(t)
	k.interrupt.SetLevel(oldLevel)

	if preempt {
		log.WithFields(log.Fields{
			"newcomer": t.Name(),
			"running":  k.currentThread.Name(),
		}).Info("[Kernel] shorter job arrived, preempting")
		k.currentThread.Yield()
	}
}

// OneTick 模拟一次时钟中断：时钟走一格，闹钟响一下。
func (k *Kernel) OneTick() {
	oldLevel := k.interrupt.SetLevel(IntOff)
	k.stats.TotalTicks++
	k.scheduler.AlarmTicks()
	k.interrupt.SetLevel(oldLevel)
}

/********* 👆 SYSTEM CALLS 👆 ***************/

// SelfTest 内核冒烟测试：起两个线程，让一让，睡一睡，都能跑完。
func (k *Kernel) SelfTest() {
	log.Info("[Kernel] SelfTest begin")

	k.Fork("selftest-yielder", func() {
		for i := 0; i < 3; i++ {
			k.stats.AdvanceUserTicks(1)
			k.Yield()
		}
	})
	k.Fork("selftest-sleeper", func() {
		k.stats.AdvanceUserTicks(1)
		k.Sleep(2)
		k.stats.AdvanceUserTicks(1)
	})

	// main 陪跑，直到俩线程都结束
	for i := 0; i < 16; i++ {
		k.Yield()
		k.OneTick()
	}

	k.scheduler.Print()
	k.memoryManager.Print()
	log.Info("[Kernel] SelfTest done")
}
