package ersatz

import (
	log "github.com/sirupsen/logrus"
)

// ThreadStatus 是线程的状态。
type ThreadStatus int

const (
	StatusJustCreated ThreadStatus = iota // 刚建出来，还没进就绪队列
	StatusReady                           // 就绪，在 readyList 里排队
	StatusRunning                         // 正在 CPU 上跑（全机只有一个）
	StatusBlocked                         // 阻塞在外部同步上
	StatusSleeping                        // 睡觉，在 sleepingList 里等闹钟
	StatusZombie                          // 跑完了，等下一个线程来收尸
)

func (s ThreadStatus) String() string {
	switch s {
	case StatusJustCreated:
		return "JUST_CREATED"
	case StatusReady:
		return "READY"
	case StatusRunning:
		return "RUNNING"
	case StatusBlocked:
		return "BLOCKED"
	case StatusSleeping:
		return "SLEEPING"
	case StatusZombie:
		return "ZOMBIE"
	}
	return "UNKNOWN"
}

// Thread 是内核线程：一个能在模拟 CPU 上跑的东西。
// 真机器上每个线程有自己的内核栈，这里"栈"就是一个 goroutine，
// baton 是调度接力棒 —— 谁拿到棒谁跑，其他人都停在 <-baton 上。
type Thread struct {
	name   string
	status ThreadStatus

	// space 是线程的用户地址空间，内核线程没有（nil）。
	space *AddrSpace

	kernel *Kernel

	// baton 容量必须是 1：SWITCH 先交棒再停车，
	// 对方这时候可能还没停在收棒的位置上。
	baton chan struct{}

	// canary 放在栈底的魔数，被写坏说明栈溢出了。
	canary uint32
}

// NewThread 构建一个名为 name 的线程，状态 JUST_CREATED。
func NewThread(kernel *Kernel, name string) *Thread {
	return &Thread{
		name:   name,
		status: StatusJustCreated,
		kernel: kernel,
		baton:  make(chan struct{}, 1),
		canary: StackCanary,
	}
}

// Name 返回线程名。只用来打日志，线程的身份是指针本身。
func (t *Thread) Name() string {
	return t.name
}

// Status 返回线程当前状态。
func (t *Thread) Status() ThreadStatus {
	return t.status
}

func (t *Thread) setStatus(s ThreadStatus) {
	t.status = s
}

// Space 返回线程的用户地址空间，内核线程返回 nil。
func (t *Thread) Space() *AddrSpace {
	return t.space
}

// SetSpace 给线程挂一个用户地址空间。
func (t *Thread) SetSpace(space *AddrSpace) {
	t.space = space
}

// CheckOverflow 检查栈底魔数。真机器上栈溢出没有硬件报警，
// 只能在切换的时候摸一下栈底有没有被写穿。坏了就停机。
func (t *Thread) CheckOverflow() {
	assert(t.canary == StackCanary,
		"[Thread] stack overflow detected on thread %q", t.name)
}

// Fork 启动线程：为 f 起一个 goroutine（先停在接力棒上等第一次调度），
// 然后把线程放进就绪队列。
func (t *Thread) Fork(f func()) {
	log.WithField("thread", t.name).Info("[Thread] Fork")

	go func() {
		<-t.baton // 等第一次被调度上 CPU
		t.begin()
		f()
		t.Finish()
	}()

	// 走内核的 ReadyToRun：抢占式 SJF 下，更短的新线程会把现任赶下去
	t.kernel.ReadyToRun(t)
}

// begin 是线程第一次上 CPU 时的入场式。
// 第一次调度不走 Run 的后半段，所以收尸和开中断要在这里做。
func (t *Thread) begin() {
	t.kernel.scheduler.CheckToBeDestroyed()
	t.kernel.interrupt.SetLevel(IntOn)
}

// Yield 主动让出 CPU：如果就绪队列里有别人，自己排到队里去，
// 让调度器挑下一个跑；没别人就继续跑。
func (t *Thread) Yield() {
	kernel := t.kernel
	oldLevel := kernel.interrupt.SetLevel(IntOff)

	assert(t == kernel.currentThread, "[Thread] Yield: only the running thread may yield")
	log.WithField("thread", t.name).Debug("[Thread] Yield")

	next := kernel.scheduler.FindNextToRun()
	if next != nil {
		kernel.scheduler.ReadyToRun(t)
		kernel.scheduler.Run(next, false)
	}
	kernel.interrupt.SetLevel(oldLevel)
}

// Sleep 放弃 CPU，直到下一次被调度。
// 调用者要先把自己的 status 改好（SLEEPING / BLOCKED / ZOMBIE），
// 再进来；这里只管找下一个线程并切过去。
// 就绪队列空了就空转等闹钟（Idle），直到有人醒来；
// 要是连睡觉的都没有，Idle 直接停机。
//
// finishing 为 true 表示线程跑完了，切出去之后不再回来。
func (t *Thread) Sleep(finishing bool) {
	kernel := t.kernel

	assert(t == kernel.currentThread, "[Thread] Sleep: only the running thread may sleep")
	assert(kernel.interrupt.getLevel() == IntOff, "[Thread] Sleep: interrupts must be disabled")
	assert(t.status != StatusRunning, "[Thread] Sleep: caller must change status first")

	log.WithFields(log.Fields{
		"thread": t.name,
		"status": t.status,
	}).Debug("[Thread] Sleep")

	var next *Thread
	for next = kernel.scheduler.FindNextToRun(); next == nil; next = kernel.scheduler.FindNextToRun() {
		kernel.interrupt.Idle()
	}
	kernel.scheduler.Run(next, finishing)
}

// Finish 结束当前线程。线程不能在自己的栈上给自己收尸，
// 所以这里只是标成 ZOMBIE 切出去，由下一个线程来销毁（deferred destruction）。
// 该函数不返回。
func (t *Thread) Finish() {
	t.kernel.interrupt.SetLevel(IntOff)
	assert(t == t.kernel.currentThread, "[Thread] Finish: only the running thread may finish")

	log.WithField("thread", t.name).Info("[Thread] Finish")

	t.setStatus(StatusZombie)
	t.Sleep(true)
	// not reached
}

// destroy 销毁线程。只能由别的线程调，绝不能销毁还在自己栈上跑的线程。
func (t *Thread) destroy() {
	assert(t != t.kernel.currentThread,
		"[Thread] destroy: cannot destroy the running thread")
	log.WithField("thread", t.name).Debug("[Thread] destroy")
	close(t.baton)
}
