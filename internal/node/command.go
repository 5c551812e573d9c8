package node

import (
	"sync/atomic"

	"github.com/temoto/telenode/internal/tele"
)

const (
	CommandOn  = "ON"
	CommandOff = "OFF"
)

// onMessage runs on orchestrator goroutine from tele.Poll.
// Exact payload match only, anything else is ignored.
func (self *Node) onMessage(m tele.Message) {
	if m.Topic != self.config.Tele.TopicCommand {
		self.log.Debugf("inbound ignore topic=%s", m.Topic)
		return
	}
	var on bool
	switch string(m.Payload) {
	case CommandOn:
		on = true
	case CommandOff:
		on = false
	default:
		self.log.Debugf("command ignore payload=%q", m.Payload)
		return
	}
	atomic.AddUint32(&self.commands, 1)
	if self.indicator == nil {
		return
	}
	if err := self.indicator.Set(on); err != nil {
		self.log.Errorf("command %s indicator err=%v", m.Payload, err)
		return
	}
	self.log.Infof("command %s indicator=%t", m.Payload, on)
}
