package nacos

import (
	"context"
	"sync"
	"time"

	"chatgate/global/config"
	"chatgate/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// ConfigSource is the part of the nacos config client the watcher uses.
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(params vo.ConfigParam) error
	CancelListenConfig(params vo.ConfigParam) error
}

// TimeoutSetter receives hot-reloaded backend timeouts.
type TimeoutSetter interface {
	SetTimeouts(request, idle time.Duration)
}

type Watcher struct {
	src    ConfigSource
	dataID string
	group  string
	apply  func(content string)

	mu      sync.RWMutex
	current string
}

func NewWatcher(src ConfigSource, dataID, group string, apply func(content string)) *Watcher {
	return &Watcher{src: src, dataID: dataID, group: group, apply: apply}
}

// Start loads the document once, then listens until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	content, err := w.src.GetConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group})
	if err != nil {
		return err
	}
	w.update(content)

	// 开始监听
	param := vo.ConfigParam{
		DataId: w.dataID,
		Group:  w.group,
		OnChange: func(namespace, group, dataId, data string) {
			logger.Infof("[Nacos] config changed dataId=%s group=%s", dataId, group)
			w.update(data)
		},
	}
	if err := w.src.ListenConfig(param); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := w.src.CancelListenConfig(vo.ConfigParam{DataId: w.dataID, Group: w.group}); err != nil {
			logger.Warnf("[Nacos] cancel listen failed: %v", err)
		}
	}()
	return nil
}

func (w *Watcher) update(data string) {
	w.mu.Lock()
	w.current = data
	w.mu.Unlock()
	if data != "" && w.apply != nil {
		w.apply(data)
	}
}

func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ApplyDynamic pushes the hot subset of a config document into the running
// session registry and the logger. Absent keys leave settings unchanged.
func ApplyDynamic(ts TimeoutSetter) func(content string) {
	return func(content string) {
		d, err := config.ParseDynamic(content)
		if err != nil {
			logger.Errorf("[Nacos] ignore bad config: %v", err)
			return
		}
		if ts != nil {
			ts.SetTimeouts(d.RequestTimeout, d.IdleTimeout)
		}
		if d.LogLevel != "" {
			if err := logger.SetLevel(d.LogLevel); err != nil {
				logger.Warnf("[Nacos] bad log level %q: %v", d.LogLevel, err)
			}
		}
		logger.Infof("[Nacos] applied request_timeout=%s idle_timeout=%s log=%s", d.RequestTimeout, d.IdleTimeout, logger.Level())
	}
}
