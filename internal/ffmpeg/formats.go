package ffmpeg

import "slices"

// targetKind determines how a conversion is executed.
type targetKind int

const (
	targetVideo targetKind = iota
	targetAudio
	targetImage
)

// encoderChain is the ranked encoder preference for one output format.
type encoderChain struct {
	kind  targetKind
	video []string
	audio []string
	// strict formats have no acceptable generic fallback: a missing video or
	// audio encoder makes the conversion impossible rather than silent.
	strict bool
	// direct formats are produced by one ffmpeg invocation.
	direct bool
}

var encoderChains = map[string]encoderChain{
	// Video containers.
	"mp4":  {kind: targetVideo, video: []string{"libx264", "h264", "mpeg4"}, audio: []string{"aac", "libfdk_aac", "libmp3lame"}},
	"m4v":  {kind: targetVideo, video: []string{"libx264", "h264", "mpeg4"}, audio: []string{"aac", "libfdk_aac", "libmp3lame"}},
	"mov":  {kind: targetVideo, video: []string{"libx264", "h264", "mpeg4"}, audio: []string{"aac", "libfdk_aac", "libmp3lame"}},
	"mkv":  {kind: targetVideo, video: []string{"libx264", "libx265", "mpeg4"}, audio: []string{"aac", "libopus", "libvorbis"}},
	"webm": {kind: targetVideo, video: []string{"libvpx", "libvpx-vp9", "libaom-av1"}, audio: []string{"libvorbis", "libopus"}, strict: true, direct: true},
	"avi":  {kind: targetVideo, video: []string{"mpeg4", "libxvid", "libx264"}, audio: []string{"libmp3lame", "aac"}},
	"flv":  {kind: targetVideo, video: []string{"flv", "libx264"}, audio: []string{"aac", "libmp3lame"}},
	"wmv":  {kind: targetVideo, video: []string{"wmv2", "wmv1"}, audio: []string{"wmav2"}},
	"mpg":  {kind: targetVideo, video: []string{"mpeg2video", "mpeg1video"}, audio: []string{"mp2", "ac3"}, strict: true},
	"mpeg": {kind: targetVideo, video: []string{"mpeg2video", "mpeg1video"}, audio: []string{"mp2", "ac3"}, strict: true},
	"vob":  {kind: targetVideo, video: []string{"mpeg2video", "mpeg1video"}, audio: []string{"mp2", "ac3"}},
	"ts":   {kind: targetVideo, video: []string{"libx264", "mpeg2video"}, audio: []string{"aac", "mp2", "ac3"}},
	"mts":  {kind: targetVideo, video: []string{"libx264", "mpeg2video"}, audio: []string{"aac", "mp2", "ac3"}},
	"m2ts": {kind: targetVideo, video: []string{"libx264", "mpeg2video"}, audio: []string{"aac", "mp2", "ac3"}},
	"3gp":  {kind: targetVideo, video: []string{"h263", "libx264"}, audio: []string{"aac", "libopencore_amrnb"}},
	"ogv":  {kind: targetVideo, video: []string{"libtheora"}, audio: []string{"libvorbis"}},

	// Audio.
	"mp3":  {kind: targetAudio, audio: []string{"libmp3lame"}, direct: true},
	"aac":  {kind: targetAudio, audio: []string{"aac"}, direct: true},
	"ogg":  {kind: targetAudio, audio: []string{"libvorbis", "libopus"}, direct: true},
	"flac": {kind: targetAudio, audio: []string{"flac"}, direct: true},
	"wav":  {kind: targetAudio, audio: []string{"pcm_s16le"}, direct: true},
	"m4a":  {kind: targetAudio, audio: []string{"aac"}, direct: true},
	"opus": {kind: targetAudio, audio: []string{"libopus"}, direct: true},

	// Image-like.
	"gif":  {kind: targetImage, video: []string{"gif"}, direct: true},
	"webp": {kind: targetImage, video: []string{"libwebp", "libwebp_anim"}, direct: true},
	"apng": {kind: targetImage, video: []string{"apng"}, direct: true},
	"avif": {kind: targetImage, video: []string{"libaom-av1", "libsvtav1"}, direct: true},
	"heic": {kind: targetImage, video: []string{"libx265"}, direct: true},
	"png":  {kind: targetImage, video: []string{"png"}, direct: true},
	"jpg":  {kind: targetImage, video: []string{"mjpeg"}, direct: true},
}

// audioExtensions maps an audio encoder to the extension of its elementary
// stream file, used for the intermediate audio-only output.
var audioExtensions = map[string]string{
	"aac":               "aac",
	"libfdk_aac":        "aac",
	"libmp3lame":        "mp3",
	"libvorbis":         "ogg",
	"libopus":           "opus",
	"mp2":               "mp2",
	"ac3":               "ac3",
	"wmav2":             "wma",
	"flac":              "flac",
	"pcm_s16le":         "wav",
	"libopencore_amrnb": "amr",
}

// audioReencodeOnMerge lists containers whose muxers reject stream-copied
// audio from the intermediate file.
var audioReencodeOnMerge = map[string]bool{
	"mpg": true, "mpeg": true, "vob": true,
	"ts": true, "mts": true, "m2ts": true,
}

// Input recognition.

var demuxerAliases = map[string][]string{
	"mp4":  {"mov", "mp4"},
	"m4v":  {"mov", "mp4"},
	"mov":  {"mov"},
	"m4a":  {"mov", "m4a"},
	"3gp":  {"mov", "3gp"},
	"3g2":  {"mov", "3g2"},
	"mkv":  {"matroska"},
	"webm": {"matroska", "webm"},
	"mpg":  {"mpeg"},
	"mpeg": {"mpeg"},
	"vob":  {"mpeg", "vob"},
	"ts":   {"mpegts"},
	"mts":  {"mpegts"},
	"m2ts": {"mpegts"},
	"wmv":  {"asf"},
	"wma":  {"asf"},
	"asf":  {"asf"},
	"ogv":  {"ogg"},
	"ogg":  {"ogg"},
	"opus": {"ogg"},
	"oga":  {"ogg"},
	"mka":  {"matroska"},
	"mxf":  {"mxf"},
	"amr":  {"amr"},
	"ac3":  {"ac3"},
	"aiff": {"aiff"},
}

var imageInputFormats = map[string]bool{
	"png": true, "jpg": true, "bmp": true, "tiff": true, "webp": true,
}

// fallbackInputFormats is used when the demuxer list is unavailable.
var fallbackInputFormats = []string{
	"mp4", "m4v", "mov", "mkv", "webm", "avi", "flv", "wmv", "mpg", "mpeg", "vob",
	"ts", "mts", "m2ts", "3gp", "ogv", "mp3", "aac", "ogg", "flac", "wav", "m4a",
	"opus", "wma", "amr", "gif",
}

func demuxerNames(format string) []string {
	if names, ok := demuxerAliases[format]; ok {
		return names
	}
	return []string{format}
}

// chainFor returns the encoder chain for an output format.
func chainFor(format string) (encoderChain, bool) {
	chain, ok := encoderChains[format]
	return chain, ok
}

// OutputFormats lists the output formats ffmpeg can be asked to produce.
func OutputFormats() []string {
	formats := make([]string, 0, len(encoderChains))
	for f := range encoderChains {
		formats = append(formats, f)
	}
	slices.Sort(formats)
	return formats
}

// firstAvailable returns the first candidate present in info, or "".
// A preferred encoder recorded earlier wins when it is still available and
// belongs to the candidates.
func firstAvailable(info *BinaryInfo, candidates []string, preferred string) string {
	if preferred != "" && slices.Contains(candidates, preferred) && info.HasEncoder(preferred) {
		return preferred
	}
	for _, c := range candidates {
		if info.HasEncoder(c) {
			return c
		}
	}
	return ""
}
