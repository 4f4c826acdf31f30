package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tunesync/tunesync/internal/analysis"
	"github.com/tunesync/tunesync/internal/observe"
)

// writeTimeout bounds a single frame write to a slow client.
const writeTimeout = 5 * time.Second

// handlePlaybackStream upgrades to a WebSocket and sends a [playbackFrame]
// for the current playhead followed by one for every tracker update. The
// socket closes normally when the track is reloaded; the client reconnects
// to follow the new tracker.
func (s *Server) handlePlaybackStream(w http.ResponseWriter, r *http.Request) {
	kind, err := analysis.ParseTrack(r.PathValue("track"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	updates, unsubscribe, err := s.svc.SubscribePlayback(kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		// Accept has already written the response.
		observe.Logger(r.Context()).Debug("dashboard: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.metrics.PlaybackSubscribers.Add(ctx, 1)
	defer s.metrics.PlaybackSubscribers.Add(context.WithoutCancel(ctx), -1)

	log := observe.Logger(ctx).With("track", kind)
	log.Debug("playback stream opened")

	if st, err := s.svc.PlaybackState(kind); err == nil {
		if err := writeFrame(ctx, conn, s.frame(kind, st.CurrentTime, st.IsPlaying)); err != nil {
			log.Debug("playback stream write", "err", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("playback stream closed by client")
			return
		case st, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "track reloaded")
				return
			}
			if err := writeFrame(ctx, conn, s.frame(kind, st.CurrentTime, st.IsPlaying)); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("playback stream write", "err", err)
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f playbackFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
