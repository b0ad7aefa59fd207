package realtime

import (
	"context"
	"time"

	"chatgate/logger"

	"github.com/gorilla/websocket"
)

// writeLoop is the only writer on sub.Conn. It sends queued frames, pings
// on an interval, and on close flushes what is queued before hanging up.
func (s *Server) writeLoop(sub *Subscriber, done chan struct{}) {
	ticker := time.NewTicker(s.conf.PingInterval)
	ws := sub.Conn
	defer func() {
		ticker.Stop()
		_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
		close(done)
		logger.Infof("[WS] closed snowID=%s", sub.SnowID)
	}()

	write := func(payload []byte) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Infof("[WS] write err snowID=%s err=%v", sub.SnowID, err)
			return false
		}
		return true
	}

	for {
		select {
		case payload := <-sub.Send:
			if !write(payload) {
				sub.Close()
				return
			}

		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.conf.WriteWait)); err != nil {
				logger.Infof("[WS] ping err snowID=%s err=%v", sub.SnowID, err)
				sub.Close()
				return
			}
			if user, ok := s.conns.UserOf(sub.SnowID); ok {
				s.markOnline(context.Background(), user)
			}

		case <-sub.Closed():
			for {
				select {
				case payload := <-sub.Send:
					if !write(payload) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
