package audio

// ResampleMono16 resamples s16le mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate (or either rate is invalid)
// the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// DownmixMono16 averages all channels of interleaved s16le PCM into mono.
// Uses int32 arithmetic to prevent overflow and clamps to the int16 range.
// channels <= 1 returns the input unchanged.
func DownmixMono16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := i*frameBytes + ch*2
			sum += int32(int16(pcm[idx]) | int16(pcm[idx+1])<<8)
		}
		avg := sum / int32(channels)
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
