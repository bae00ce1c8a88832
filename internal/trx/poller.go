package trx

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/ratelimit"
)

// poll refreshes the cached state of radios that do not push updates. Polls
// queue on the guard like any client command.
func (s *Session) poll() {
	defer s.wg.Done()

	rl := ratelimit.New(1, ratelimit.Per(s.cfg.PollInterval), ratelimit.WithoutSlack)
	for {
		rl.Take()
		select {
		case <-s.stop:
			return
		default:
		}
		if _, err := s.do(context.Background(), pollState); err != nil {
			if errors.Is(err, ErrControllerClosed) {
				return
			}
			s.log.WithError(err).Debug("status poll failed")
		}
	}
}

func pollState(d Driver, p Port) (string, func(*State), error) {
	hz, err := d.GetFrequency(p)
	if err != nil {
		return "", nil, err
	}
	mode, err := d.GetMode(p)
	if err != nil {
		return "", nil, err
	}
	locked, err := d.GetLock(p)
	if err != nil {
		return "", nil, err
	}
	return "", func(st *State) {
		st.Frequency = hz
		st.Mode = mode
		st.Locked = locked
	}, nil
}
