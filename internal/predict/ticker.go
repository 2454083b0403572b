package predict

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/lo"
)

// RunStatusTicker recomputes every game's round schedule each tick and
// broadcasts round_status when a new round opens. It returns when ctx is
// done.
func (s *Service) RunStatusTicker(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()

	// Prime the last-seen rounds so startup does not broadcast.
	s.statusChanges(s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, msg := range s.statusChanges(s.now()) {
				s.broadcast(msg)
			}
		}
	}
}

// statusChanges returns the round_status messages due at now. When a game
// moves to a new current round, three rounds change state at once: the new
// round starts accepting, the previous one starts waiting and the one whose
// outcome time just passed has ended.
func (s *Service) statusChanges(now time.Time) []WSMessage {
	var out []WSMessage
	for _, pair := range s.pairs {
		g := s.games[pair]
		cur := g.schedule.Current(now)
		last, seen := s.lastRound[pair]
		s.lastRound[pair] = cur
		if !seen || last == cur {
			continue
		}

		slog.Debug("round advanced", "game", pair, "round", cur)
		for _, r := range lo.Uniq([]int64{cur, cur - 1, cur - g.Duration}) {
			if r < 0 {
				continue
			}
			out = append(out, WSMessage{
				Type:   MsgRoundStatus,
				Game:   pair,
				Round:  r,
				Status: g.schedule.Status(r, now, false).String(),
				Time:   now.UTC(),
			})
		}
	}
	return out
}
