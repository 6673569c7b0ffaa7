// Package audio provides small PCM helpers shared by the emotion analyzer and
// the broadcast path.
//
// All functions operate on 16-bit signed little-endian mono PCM, the only
// format the pipeline carries internally.
package audio

import (
	"encoding/binary"
	"math"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// Samples decodes raw little-endian PCM bytes into int16 samples.
// A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return out
}

// RMS computes the root-mean-square amplitude of pcm, normalised to [0, 1]
// where 1.0 is full scale. Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	samples := Samples(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts a normalised RMS amplitude to decibels relative to full
// scale. Amplitudes at or below zero clamp to -96 dB (the 16-bit noise floor).
func DBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return -96
	}
	db := 20 * math.Log10(amplitude)
	if db < -96 {
		return -96
	}
	return db
}

// SplitSubFrames slices pcm into consecutive sub-frames of samplesPer
// samples. The final sub-frame is dropped if shorter than samplesPer, since
// partial windows skew RMS statistics.
func SplitSubFrames(pcm []byte, samplesPer int) [][]byte {
	if samplesPer <= 0 {
		return nil
	}
	step := samplesPer * BytesPerSample
	var out [][]byte
	for off := 0; off+step <= len(pcm); off += step {
		out = append(out, pcm[off:off+step])
	}
	return out
}

// Stddev returns the population standard deviation of vs. Returns 0 for
// fewer than two values.
func Stddev(vs []float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	var mean float64
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))
	var sum float64
	for _, v := range vs {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)))
}

// Percentile returns the p-th percentile (0–100) of vs using
// nearest-rank on a sorted copy. Returns 0 for empty input.
func Percentile(vs []float64, p float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := make([]float64, len(vs))
	copy(sorted, vs)
	// Insertion sort: windows here are tiny (tens of values).
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Duration returns the play time in seconds of pcm at the given sample rate.
func Duration(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(pcm)/BytesPerSample) / float64(sampleRate)
}
