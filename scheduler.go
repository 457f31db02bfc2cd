package ersatz

import (
	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

// SchedulerType 是调度策略。
type SchedulerType int

const (
	FCFS SchedulerType = iota // First Come First Served：先来先服务，跑到阻塞为止
	RR                        // Round Robin：时间片轮转，队列还是 FIFO，由外部时钟把人赶下来
	NSJF                      // Shortest Job First（非抢占）：按剩余估计 burst 挑最短的
	SJF                       // Shortest Job First（抢占）：来了更短的就把现任赶下去
)

func (t SchedulerType) String() string {
	switch t {
	case FCFS:
		return "FCFS"
	case RR:
		return "RR"
	case NSJF:
		return "NSJF"
	case SJF:
		return "SJF"
	}
	return "UNKNOWN"
}

// RATE 是 burst 估计的指数加权系数：
// estiBurst = RATE * newBurst + (1-RATE) * histBurst
const RATE = 0.5

// SleepingThread 是睡觉中的线程：谁在睡、还要睡几个时钟周期。
type SleepingThread struct {
	sleeper   *Thread
	sleepTime int // 剩余睡眠时间（tick）
}

// BurstRecord 记一个线程的 CPU burst 账：
// histBurst 是指数加权出来的下一次 burst 估计，
// newBurst 是本次 burst 目前已经累积的 tick 数。
type BurstRecord struct {
	histBurst int
	newBurst  int
}

// Scheduler 是调度器：管就绪队列、睡眠队列、burst 账本，
// 并负责把 CPU 派给下一个线程。
//
// 这里所有方法都假设调用之前中断已经关了（关中断就是单处理器上的互斥）。
// 不能用锁：等锁的路径自己就要走 FindNextToRun，会绕回来。
type Scheduler struct {
	kernel *Kernel

	schedulerType SchedulerType

	// readyList 就绪队列。FCFS/RR 下是 FIFO；
	// NSJF/SJF 下按剩余估计 burst 升序，相同的按先来后到。
	readyList []*Thread

	// sleepingList 按剩余睡眠时间升序，相同的按先来后到。
	sleepingList []*SleepingThread

	// burstMap 以线程指针为身份记每个线程的 burst 账。
	burstMap map[*Thread]*BurstRecord

	// toBeDestroyed 是等着收尸的线程，最多一个。
	// 线程不能在自己的栈上销毁自己，只能切出去之后由下一个线程来销毁。
	toBeDestroyed *Thread

	// startTicks 是当前线程这个时间片开始时的 userTicks 读数。
	startTicks int
}

// NewScheduler 构建一个用 schedulerType 策略调度的调度器。
func NewScheduler(kernel *Kernel, schedulerType SchedulerType) *Scheduler {
	log.WithField("type", schedulerType).Info("[Scheduler] created")
	return &Scheduler{
		kernel:        kernel,
		schedulerType: schedulerType,
		burstMap:      map[*Thread]*BurstRecord{},
	}
}

// GetSchedulerType 返回调度策略。
func (s *Scheduler) GetSchedulerType() SchedulerType {
	return s.schedulerType
}

// ReadyToRun 把线程标成就绪，按策略插进就绪队列。
// 第一次来的线程在 burst 账本上开个 (0, 0) 的户头。
func (s *Scheduler) ReadyToRun(thread *Thread) {
	assert(s.kernel.interrupt.getLevel() == IntOff,
		"[Scheduler] ReadyToRun: interrupts must be disabled")

	log.WithField("thread", thread.Name()).Debug("[Scheduler] putting thread on ready list")

	thread.setStatus(StatusReady)
	if _, ok := s.burstMap[thread]; !ok {
		s.burstMap[thread] = &BurstRecord{} // initialize the CPU burst time to 0
	}

	switch s.schedulerType {
	case FCFS, RR:
		s.readyList = append(s.readyList, thread)
	default: // NSJF, SJF：按剩余估计 burst 升序插入
		key := s.GetRestBurstTime(thread)
		i := 0
		for ; i < len(s.readyList); i++ {
			if s.GetRestBurstTime(s.readyList[i]) > key {
				break
			}
		}
		s.readyList = append(s.readyList, nil)
		copy(s.readyList[i+1:], s.readyList[i:])
		s.readyList[i] = thread
	}
}

// FindNextToRun 取出就绪队列头上的线程。队列空了返回 nil。
func (s *Scheduler) FindNextToRun() *Thread {
	assert(s.kernel.interrupt.getLevel() == IntOff,
		"[Scheduler] FindNextToRun: interrupts must be disabled")

	if len(s.readyList) == 0 {
		return nil
	}
	next := s.readyList[0]
	s.readyList = s.readyList[1:]
	return next
}

// Run 把 CPU 派给 nextThread：存旧线程的状态，换栈，恢复新线程的状态。
//
// finishing 为 true 表示旧线程跑完了，把它记到 toBeDestroyed 里，
// 等切过去之后由下一个线程来销毁（现在还踩着它的栈，不能动）。
//
// 该调用返回时，已经是旧线程下一次被调度回 CPU 的时候了。
func (s *Scheduler) Run(nextThread *Thread, finishing bool) {
	oldThread := s.kernel.currentThread

	assert(s.kernel.interrupt.getLevel() == IntOff,
		"[Scheduler] Run: interrupts must be disabled")

	if finishing { // mark that we need to destroy current thread
		assert(s.toBeDestroyed == nil, "[Scheduler] Run: toBeDestroyed already occupied")
		s.toBeDestroyed = oldThread
		s.Account() // 结账：这个线程的最后一个 burst
	}

	if space := oldThread.Space(); space != nil { // if this thread is a user program,
		space.SaveUserState() // save the user's CPU registers
		space.SaveState()
	}

	oldThread.CheckOverflow() // check if the old thread
	// had an undetected stack overflow

	s.kernel.currentThread = nextThread
	nextThread.setStatus(StatusRunning)
	s.startTicks = s.kernel.stats.UserTicks // 新时间片从现在起算

	log.WithFields(log.Fields{
		"from": oldThread.Name(),
		"to":   nextThread.Name(),
	}).Debug("[Scheduler] switching")

	s.kernel.machine.Switch(oldThread, nextThread)

	// we're back, running oldThread

	// interrupts are off when we return from switch!
	assert(s.kernel.interrupt.getLevel() == IntOff,
		"[Scheduler] Run: interrupts must be disabled after switch")

	log.WithField("thread", oldThread.Name()).Debug("[Scheduler] back on CPU")

	s.CheckToBeDestroyed() // check if thread we were running
	// before this one has finished
	// and needs to be cleaned up

	if space := oldThread.Space(); space != nil { // if there is an address space
		space.RestoreUserState() // to restore, do it.
		space.RestoreState()
	}
}

// CheckToBeDestroyed 给上一个跑完的线程收尸。
// 之前不能收：那会儿还踩着它的栈。
func (s *Scheduler) CheckToBeDestroyed() {
	if s.toBeDestroyed != nil {
		delete(s.burstMap, s.toBeDestroyed)
		s.toBeDestroyed.destroy()
		s.toBeDestroyed = nil
	}
}

// SetToSleep 让当前线程睡 sleepTime 个时钟周期：
// 先把这个 burst 的账结了，再按剩余睡眠时间插进睡眠队列，
// 标成 SLEEPING，交出 CPU。
func (s *Scheduler) SetToSleep(sleepTime int) {
	assert(s.kernel.interrupt.getLevel() == IntOff,
		"[Scheduler] SetToSleep: interrupts must be disabled")
	assert(sleepTime > 0, "[Scheduler] SetToSleep: sleepTime must be positive, got %d", sleepTime)

	sleepyThread := s.kernel.currentThread

	log.WithFields(log.Fields{
		"thread":    sleepyThread.Name(),
		"sleepTime": sleepTime,
	}).Info("[Scheduler] SetToSleep")

	s.Account() // account the burst time of the thread going to sleep

	toSleep := &SleepingThread{sleeper: sleepyThread, sleepTime: sleepTime}
	i := 0
	for ; i < len(s.sleepingList); i++ {
		if s.sleepingList[i].sleepTime > sleepTime {
			break
		}
	}
	s.sleepingList = append(s.sleepingList, nil)
	copy(s.sleepingList[i+1:], s.sleepingList[i:])
	s.sleepingList[i] = toSleep

	sleepyThread.setStatus(StatusSleeping)
	sleepyThread.Sleep(false)
}

// AlarmTicks 闹钟响一下：所有睡觉的线程剩余时间减一，
// 睡够了的（sleepTime ≤ 0）从队头起依次叫醒。
// 队列是升序的，碰到第一个还没睡够的就可以停了。
// 每个时钟中断调一次。
func (s *Scheduler) AlarmTicks() {
	assert(s.kernel.interrupt.getLevel() == IntOff,
		"[Scheduler] AlarmTicks: interrupts must be disabled")

	for _, st := range s.sleepingList {
		st.sleepTime-- // update the remaining sleeping time
	}

	for !s.NoOneSleeping() {
		if s.sleepingList[0].sleepTime > 0 {
			break
			// if the first thread in the sorted list is still sleeping,
			// other threads must still be sleeping
		}
		wakeup := s.sleepingList[0]
		s.sleepingList = s.sleepingList[1:]
		log.WithField("thread", wakeup.sleeper.Name()).Info("[Scheduler] alarm: wake up")
		s.ReadyToRun(wakeup.sleeper)
	}
}

// NoOneSleeping 睡眠队列是不是空的。
func (s *Scheduler) NoOneSleeping() bool {
	return len(s.sleepingList) == 0
}

// GetRestBurstTime 返回线程的剩余估计 burst：max(0, histBurst - newBurst)。
// 没记过账的线程两项都当 0。
func (s *Scheduler) GetRestBurstTime(thread *Thread) int {
	rec, ok := s.burstMap[thread]
	if !ok {
		return 0
	}
	restBurst := rec.histBurst - rec.newBurst
	if restBurst < 0 {
		return 0
	}
	return restBurst
}

// AccumNewBurst 把从 startTicks 到现在跑掉的用户 tick 记到
// 当前线程本次 burst 的账上。
func (s *Scheduler) AccumNewBurst() {
	thread := s.kernel.currentThread
	rec, ok := s.burstMap[thread]
	assert(ok, "[Scheduler] AccumNewBurst: thread %q has no burst record", thread.Name())
	rec.newBurst += s.kernel.stats.UserTicks - s.startTicks
	s.startTicks = s.kernel.stats.UserTicks
}

// Account 结账：当前线程的 CPU 占用到此为止（去睡觉或者跑完了），
// 用指数加权更新它下一次 burst 的估计：
// estiBurst = RATE*newBurst + (1-RATE)*histBurst，然后 newBurst 清零。
func (s *Scheduler) Account() {
	thread := s.kernel.currentThread

	s.AccumNewBurst()
	rec, ok := s.burstMap[thread]
	assert(ok, "[Scheduler] Account: thread %q has no burst record", thread.Name())

	histBurst := rec.histBurst
	newBurst := rec.newBurst
	estiBurst := int(RATE*float64(newBurst) + (1-RATE)*float64(histBurst))
	rec.histBurst = estiBurst
	rec.newBurst = 0

	if s.schedulerType == SJF || s.schedulerType == NSJF {
		log.WithFields(log.Fields{
			"thread":    thread.Name(),
			"histBurst": histBurst,
			"newBurst":  newBurst,
			"estiBurst": estiBurst,
		}).Debug("[Scheduler] estimating the next CPU burst time")
	}
}

// ShouldPreempt 判断 newcomer 要不要把现任赶下 CPU：
// 只在抢占式 SJF 下生效，剩余估计严格更短才抢。
// 真正的让位动作（Yield）留给调用方做，调度器只给判断。
func (s *Scheduler) ShouldPreempt(newcomer *Thread) bool {
	if s.schedulerType != SJF {
		return false
	}
	if s.kernel.currentThread.Status() != StatusRunning {
		return false
	}
	s.AccumNewBurst() // 现任的账先记到最新，再比
	return s.GetRestBurstTime(newcomer) < s.GetRestBurstTime(s.kernel.currentThread)
}

// Print 打印调度器状态，调试用。
func (s *Scheduler) Print() {
	names := make([]string, 0, len(s.readyList))
	for _, t := range s.readyList {
		names = append(names, t.Name())
	}
	log.WithFields(log.Fields{
		"type":      s.GetSchedulerType(),
		"readyList": names,
	}).Info("[Scheduler] ready list contents")
	log.Debug("[Scheduler] ", spew.Sdump(s.sleepingList))
}
