package ersatz

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DiskTicks 是一次扇区传输花掉的模拟时钟周期数。
const DiskTicks = 10

// SwapDisk 是模拟的「交换盘」：NumSectors 个扇区，每个正好放一页。
// 扇区里就是页的字节映像，没有头，没有校验。
//
// 真盘一次只能有一个在途请求，这里用一个容量 1 的信号量来排队，
// Read/WriteSector 都是同步的：数据搬完了才返回。
type SwapDisk struct {
	name       string
	NumSectors int

	kernel *Kernel

	data []byte

	// ioRequest：一次只放一个请求上盘。
	ioRequest *semaphore.Weighted
}

// NewSwapDisk 构建一块有 numSectors 个扇区的交换盘。
func NewSwapDisk(name string, numSectors int, kernel *Kernel) *SwapDisk {
	log.WithFields(log.Fields{
		"disk":       name,
		"numSectors": numSectors,
	}).Info("[SwapDisk] created")
	return &SwapDisk{
		name:       name,
		NumSectors: numSectors,
		kernel:     kernel,
		data:       make([]byte, numSectors*PageSize),
		ioRequest:  semaphore.NewWeighted(1),
	}
}

func (d *SwapDisk) sector(sectorIdx int) []byte {
	assert(sectorIdx >= 0 && sectorIdx < d.NumSectors,
		"[SwapDisk] sector %d out of range", sectorIdx)
	return d.data[sectorIdx*PageSize : (sectorIdx+1)*PageSize]
}

// ReadSector 把第 sectorIdx 个扇区读进 dst。同步：读完才返回。
// loadTime 表示这是装载期的传输，不占模拟时钟。
func (d *SwapDisk) ReadSector(sectorIdx int, dst []byte, loadTime bool) {
	assert(len(dst) >= PageSize, "[SwapDisk] ReadSector: dst smaller than a sector")

	_ = d.ioRequest.Acquire(context.Background(), 1)
	defer d.ioRequest.Release(1)

	copy(dst[:PageSize], d.sector(sectorIdx))
	if !loadTime {
		d.kernel.stats.TotalTicks += DiskTicks
	}

	log.WithFields(log.Fields{
		"disk":   d.name,
		"sector": sectorIdx,
	}).Debug("[SwapDisk] read sector")
}

// WriteSector 把 src 写进第 sectorIdx 个扇区。同步：写完才返回。
func (d *SwapDisk) WriteSector(sectorIdx int, src []byte, loadTime bool) {
	assert(len(src) >= PageSize, "[SwapDisk] WriteSector: src smaller than a sector")

	_ = d.ioRequest.Acquire(context.Background(), 1)
	defer d.ioRequest.Release(1)

	copy(d.sector(sectorIdx), src[:PageSize])
	if !loadTime {
		d.kernel.stats.TotalTicks += DiskTicks
	}

	log.WithFields(log.Fields{
		"disk":   d.name,
		"sector": sectorIdx,
	}).Debug("[SwapDisk] write sector")
}
