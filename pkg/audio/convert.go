package audio

// int16Scale maps a signed 16-bit sample onto [-1, 1).
const int16Scale = 1.0 / 32768.0

// PCM16Frames returns the number of whole interleaved frames (one sample per
// channel) contained in little-endian int16 PCM of the given channel count.
func PCM16Frames(pcm []byte, channels int) int {
	if channels <= 0 {
		return 0
	}
	return len(pcm) / (2 * channels)
}

// DeinterleavePCM16 converts interleaved little-endian int16 PCM with the
// given channel count into float32 samples, starting at frame offset off.
// Destination i receives source channel i%channels, so a stereo file can feed
// any number of engine ports. It returns the number of frames written, which
// is the smaller of the destination length and the frames left in pcm.
func DeinterleavePCM16(pcm []byte, channels, off int, dst []Frame) int {
	if channels <= 0 || len(dst) == 0 {
		return 0
	}
	avail := PCM16Frames(pcm, channels) - off
	if avail <= 0 {
		return 0
	}
	n := min(len(dst[0]), avail)
	for ch, out := range dst {
		src := ch % channels
		for i := range n {
			p := ((off+i)*channels + src) * 2
			s := int16(pcm[p]) | int16(pcm[p+1])<<8
			out[i] = float32(s) * int16Scale
		}
	}
	return n
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
//
// This is used only to bring decoded files to the engine rate; it does not
// reconcile independent clock domains.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// Peak returns the largest absolute sample value in f.
func Peak(f Frame) float32 {
	var p float32
	for _, s := range f {
		if s < 0 {
			s = -s
		}
		if s > p {
			p = s
		}
	}
	return p
}
