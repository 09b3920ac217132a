package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// resolutionPresets maps named resolutions to frame sizes.
var resolutionPresets = map[string][2]int{
	"480p":  {854, 480},
	"720p":  {1280, 720},
	"1080p": {1920, 1080},
	"1440p": {2560, 1440},
	"2160p": {3840, 2160},
	"4k":    {3840, 2160},
}

var videoQualityCRF = map[string]int{"high": 18, "medium": 23, "low": 28}

// videoQualityQScale is used by encoders without CRF support; lower is better.
var videoQualityQScale = map[string]int{"high": 2, "medium": 5, "low": 8}

var audioQualityBitrate = map[string]string{"high": "256k", "medium": "192k", "low": "128k"}

var crfEncoders = map[string]bool{
	"libx264": true, "libx265": true, "libvpx": true, "libvpx-vp9": true,
	"libaom-av1": true, "libsvtav1": true,
}

// losslessAudio encoders take no bitrate.
var losslessAudio = map[string]bool{"flac": true, "pcm_s16le": true}

// scaleFilter builds the scale filter for resolution, width and height
// options. An empty string means keep the source size.
func scaleFilter(opts models.Options) (string, error) {
	if res := strings.ToLower(opts.String(models.OptResolution)); res != "" && res != "original" {
		if preset, ok := resolutionPresets[res]; ok {
			return fmt.Sprintf("scale=-2:%d", preset[1]), nil
		}
		w, h, ok := parseDimensions(res)
		if !ok {
			return "", models.NewValidationError(models.OptResolution, "expected WxH or a preset like 720p, got %q", res)
		}
		return fmt.Sprintf("scale=%d:%d", even(w), even(h)), nil
	}

	w, wOK := opts.Int(models.OptWidth)
	h, hOK := opts.Int(models.OptHeight)
	switch {
	case wOK && w > 0 && hOK && h > 0:
		return fmt.Sprintf("scale=%d:%d", even(w), even(h)), nil
	case wOK && w > 0:
		return fmt.Sprintf("scale=%d:-2", even(w)), nil
	case hOK && h > 0:
		return fmt.Sprintf("scale=-2:%d", even(h)), nil
	}
	return "", nil
}

func parseDimensions(s string) (int, int, bool) {
	parts := strings.Split(s, "x")
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// even rounds down to an even number; most encoders need even frame sizes.
func even(n int) int {
	if n%2 == 1 {
		return n - 1
	}
	return n
}

// videoQualityArgs maps video_quality onto encoder rate control.
func videoQualityArgs(encoder string, opts models.Options) ([]string, error) {
	q := strings.ToLower(opts.String(models.OptVideoQuality))
	if q == "" {
		q = "medium"
	}

	if crfEncoders[encoder] {
		crf, ok := videoQualityCRF[q]
		if !ok {
			n, err := strconv.Atoi(q)
			if err != nil || n < 0 || n > 63 {
				return nil, models.NewValidationError(models.OptVideoQuality, "expected high, medium, low or a CRF value, got %q", q)
			}
			crf = n
		}
		args := []string{"-crf", strconv.Itoa(crf)}
		// libvpx and libaom only honour CRF in constant-quality mode.
		if strings.HasPrefix(encoder, "libvpx") || encoder == "libaom-av1" {
			args = append(args, "-b:v", "0")
		}
		return args, nil
	}

	switch encoder {
	case "gif", "png", "apng", "libwebp", "libwebp_anim":
		return nil, nil
	case "libtheora":
		theora := map[string]int{"high": 8, "medium": 6, "low": 4}
		if v, ok := theora[q]; ok {
			return []string{"-q:v", strconv.Itoa(v)}, nil
		}
		return []string{"-q:v", "6"}, nil
	}

	qs, ok := videoQualityQScale[q]
	if !ok {
		qs = videoQualityQScale["medium"]
	}
	return []string{"-q:v", strconv.Itoa(qs)}, nil
}

// audioBitrate maps audio_quality to a bitrate string like "192k".
func audioBitrate(opts models.Options) (string, error) {
	q := strings.ToLower(opts.String(models.OptAudioQuality))
	if q == "" {
		return audioQualityBitrate["medium"], nil
	}
	if br, ok := audioQualityBitrate[q]; ok {
		return br, nil
	}
	digits := strings.TrimSuffix(q, "k")
	if n, err := strconv.Atoi(digits); err == nil && n > 0 {
		return strconv.Itoa(n) + "k", nil
	}
	return "", models.NewValidationError(models.OptAudioQuality, "expected high, medium, low or a bitrate like 192k, got %q", q)
}

// audioEncoderArgs returns codec flags for an audio encoder.
func audioEncoderArgs(encoder string, opts models.Options) ([]string, error) {
	args := []string{"-c:a", encoder}
	if !losslessAudio[encoder] {
		br, err := audioBitrate(opts)
		if err != nil {
			return nil, err
		}
		if encoder == "libopencore_amrnb" {
			// AMR-NB only supports 8 kHz mono at low bitrates.
			return append(args, "-ar", "8000", "-ac", "1", "-b:a", "12.2k"), nil
		}
		args = append(args, "-b:a", br)
	}
	return args, nil
}

// framerateArgs returns -r when a framerate option is set.
func framerateArgs(opts models.Options) ([]string, error) {
	fr := opts.String(models.OptFramerate)
	if fr == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(fr, 64)
	if err != nil || v <= 0 || v > 240 {
		return nil, models.NewValidationError(models.OptFramerate, "expected a positive number up to 240, got %q", fr)
	}
	return []string{"-r", fr}, nil
}
