package scopeacq

import (
	"errors"
	"time"
)

// DefaultPollInterval is how long ChannelReader sleeps between polls of a
// device that has no sample ready.
const DefaultPollInterval = 200 * time.Microsecond

// ChannelReader carries out single read transactions against a ReadSession.
//
// Length policy: Read returns the samples the device supplied for the request,
// in order. That can be fewer than requested (the device ended the request early)
// but never more; a device that keeps supplying past the requested count is an error.
type ChannelReader struct {
	hw           ReadSession
	Timeout      time.Duration // longest wait for any one sample; zero means no limit
	PollInterval time.Duration
}

// NewChannelReader returns a reader with the given per-sample timeout.
func NewChannelReader(hw ReadSession, timeout time.Duration) *ChannelReader {
	return &ChannelReader{hw: hw, Timeout: timeout, PollInterval: DefaultPollInterval}
}

// Read requests count samples from ch and drains them. The read request is
// always released with EndRead once BeginRead has succeeded, even when draining fails.
func (r *ChannelReader) Read(ch InputChannel, count int) (samples []float64, err error) {
	if count <= 0 {
		return nil, configError("samplecount", count, "must be positive")
	}
	if err := r.hw.BeginRead(ch, count); err != nil {
		return nil, deviceError("begin read", int(ch), err)
	}
	defer func() {
		if eerr := r.hw.EndRead(); eerr != nil {
			err = errors.Join(err, deviceError("end read", int(ch), eerr))
		}
	}()

	poll := r.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	samples = make([]float64, 0, count)
	waitStart := time.Now()
	for {
		more, err := r.hw.HasMoreData()
		if err != nil {
			return samples, deviceError("poll read", int(ch), err)
		}
		if !more {
			return samples, nil
		}
		value, err := r.hw.ReadNext(ch)
		if errors.Is(err, ErrSampleNotReady) {
			if r.Timeout > 0 && time.Since(waitStart) > r.Timeout {
				return samples, deviceError("read", int(ch), ErrReadTimeout)
			}
			time.Sleep(poll)
			continue
		} else if err != nil {
			return samples, deviceError("read", int(ch), err)
		}
		if len(samples) == count {
			return samples, deviceError("read", int(ch), ErrTooManySamples)
		}
		samples = append(samples, value)
		waitStart = time.Now()
	}
}
