package ersatz

import (
	"testing"
)

func TestKernelSelfTest(t *testing.T) {
	k := NewKernel(RR)
	k.SelfTest()

	if k.currentThread.Name() != "main" {
		t.Errorf("main thread should be back on CPU, got %q", k.currentThread.Name())
	}
	if len(k.scheduler.readyList) != 0 || !k.scheduler.NoOneSleeping() {
		t.Error("self test should leave no thread behind")
	}
}

// 关中断 / 开中断的配对：SetLevel 返回旧状态，同状态切换是 no-op。
func TestInterruptLevels(t *testing.T) {
	k := NewKernel(FCFS)

	if k.interrupt.getLevel() != IntOn {
		t.Fatalf("fresh kernel: want IntOn, got %v", k.interrupt.getLevel())
	}

	old := k.interrupt.SetLevel(IntOff)
	if old != IntOn || k.interrupt.getLevel() != IntOff {
		t.Errorf("disable: want old IntOn now IntOff, got old %v now %v", old, k.interrupt.getLevel())
	}

	old = k.interrupt.SetLevel(IntOff) // 再关一次，no-op
	if old != IntOff || k.interrupt.getLevel() != IntOff {
		t.Errorf("re-disable: want no-op, got old %v now %v", old, k.interrupt.getLevel())
	}

	old = k.interrupt.SetLevel(IntOn)
	if old != IntOff || k.interrupt.getLevel() != IntOn {
		t.Errorf("enable: want old IntOff now IntOn, got old %v now %v", old, k.interrupt.getLevel())
	}
}

// 调度器的入口必须在关中断的前提下进，开着中断闯进来就是内核坏了。
func TestSchedulerRequiresInterruptsOff(t *testing.T) {
	k := NewKernel(FCFS)
	th := NewThread(k, "intruder")

	mustPanic(t, "ReadyToRun with interrupts on", func() {
		k.scheduler.ReadyToRun(th)
	})
}

// 时钟只增不减。
func TestStatsMonotone(t *testing.T) {
	k := NewKernel(FCFS)

	k.stats.AdvanceUserTicks(5)
	if k.stats.UserTicks != 5 || k.stats.TotalTicks != 5 {
		t.Errorf("want (5, 5), got (%d, %d)", k.stats.UserTicks, k.stats.TotalTicks)
	}

	k.OneTick()
	if k.stats.TotalTicks != 6 {
		t.Errorf("want TotalTicks 6, got %d", k.stats.TotalTicks)
	}
	if k.stats.UserTicks != 5 {
		t.Errorf("system tick should not advance UserTicks, got %d", k.stats.UserTicks)
	}

	mustPanic(t, "AdvanceUserTicks(-1)", func() {
		k.stats.AdvanceUserTicks(-1)
	})
}

// 磁盘传输要花模拟时间，装载期的传输不算。
func TestDiskTransferCostsTicks(t *testing.T) {
	k := NewKernel(FCFS)
	buf := make([]byte, PageSize)

	before := k.stats.TotalTicks
	k.swapDisk.ReadSector(0, buf, true) // load time：不掐表
	if k.stats.TotalTicks != before {
		t.Errorf("load-time transfer should be free, ticks %d -> %d", before, k.stats.TotalTicks)
	}

	k.swapDisk.ReadSector(0, buf, false)
	if k.stats.TotalTicks != before+DiskTicks {
		t.Errorf("want %d ticks after transfer, got %d", before+DiskTicks, k.stats.TotalTicks)
	}
}
