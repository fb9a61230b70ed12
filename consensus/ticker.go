package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
)

// timeoutInfo is the stamp carried by a timer event. An event whose stamp no
// longer matches the live round is ignored by the receiver.
type timeoutInfo struct {
	Duration time.Duration `json:"duration"`
	Height   uint32        `json:"height"`
	View     uint8         `json:"view"`
	Seq      uint64        `json:"seq"`
}

func (ti timeoutInfo) String() string {
	return fmt.Sprintf("%v ; %d/%d #%d", ti.Duration, ti.Height, ti.View, ti.Seq)
}

// TimeoutTicker keeps a single timer armed. ScheduleTimeout replaces the
// previous one; fired stamps are delivered on Chan.
type TimeoutTicker interface {
	Start() error
	Stop() error
	Chan() <-chan timeoutInfo
	ScheduleTimeout(ti timeoutInfo)
	SetLogger(log.Logger)
}

type timeoutTicker struct {
	service.BaseService

	mtx      sync.Mutex
	timer    *time.Timer
	last     timeoutInfo
	tockChan chan timeoutInfo
}

func NewTimeoutTicker() TimeoutTicker {
	tt := &timeoutTicker{
		tockChan: make(chan timeoutInfo, 1),
	}
	tt.BaseService = *service.NewBaseService(nil, "TimeoutTicker", tt)
	return tt
}

func (t *timeoutTicker) OnStart() error {
	return nil
}

func (t *timeoutTicker) OnStop() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *timeoutTicker) Chan() <-chan timeoutInfo {
	return t.tockChan
}

// ScheduleTimeout stops the running timer and arms a new one for ti. While
// the ticker is not running only the stamp is recorded.
func (t *timeoutTicker) ScheduleTimeout(ti timeoutInfo) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.last = ti
	if !t.IsRunning() {
		return
	}

	d := ti.Duration
	if d < 0 {
		d = 0
	}
	t.Logger.Debug("Scheduled timeout", "dur", d, "height", ti.Height, "view", ti.View)
	t.timer = time.AfterFunc(d, func() {
		select {
		case t.tockChan <- ti:
		case <-t.Quit():
		}
	})
}

func (t *timeoutTicker) lastScheduled() timeoutInfo {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.last
}
