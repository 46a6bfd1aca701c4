package audio

import "fmt"

// Downmix averages the interleaved channels of frame into a mono frame. Mono
// frames are returned as is.
func Downmix(frame Frame) Frame {
	ch := frame.Channels
	if ch <= 1 {
		return frame
	}
	n := len(frame.Samples) / ch
	mono := make([]float32, n)
	for i := range n {
		var sum float32
		for _, s := range frame.Samples[i*ch : i*ch+ch] {
			sum += s
		}
		mono[i] = sum / float32(ch)
	}
	frame.Samples = mono
	frame.Channels = 1
	return frame
}

// Resample converts frame to rate by linear interpolation between adjacent
// frames of each channel. The output length is floor(frames*rate/srcRate).
// A frame already at rate, or with an unknown rate, is returned as is.
func Resample(frame Frame, rate int) Frame {
	src := frame.SampleRate
	if src <= 0 || rate <= 0 || src == rate || len(frame.Samples) == 0 {
		return frame
	}
	ch := max(frame.Channels, 1)
	in := len(frame.Samples) / ch
	outFrames := int(int64(in) * int64(rate) / int64(src))

	out := make([]float32, outFrames*ch)
	step := float64(src) / float64(rate)
	for i := range outFrames {
		pos := float64(i) * step
		j := int(pos)
		frac := float32(pos - float64(j))
		next := min(j+1, in-1)
		for c := range ch {
			a := frame.Samples[j*ch+c]
			b := frame.Samples[next*ch+c]
			out[i*ch+c] = a + (b-a)*frac
		}
	}

	frame.Samples = out
	frame.SampleRate = rate
	return frame
}

// formatString renders a rate and channel count such as "24000Hz stereo".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
