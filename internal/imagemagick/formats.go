package imagemagick

// readable input formats.
var readable = setOf(
	"jpg", "png", "gif", "webp", "bmp", "tiff", "ico", "tga", "avif", "heic", "heif",
	"psd", "svg", "pdf", "eps", "ai", "cr2", "nef", "arw", "dng", "jp2", "ppm", "pgm",
	"pbm", "pnm", "xpm", "pcx",
)

// writable output formats.
var writable = setOf(
	"jpg", "png", "gif", "webp", "bmp", "tiff", "ico", "tga", "avif", "heic", "heif",
	"pdf", "jp2", "ppm", "pgm", "pbm", "pnm",
)

// restrictedOutputs limits professional and legacy sources to outputs that
// convert renders reliably.
var restrictedOutputs = map[string]map[string]bool{
	"psd":  setOf("jpg", "png", "tiff", "gif", "webp", "pdf", "bmp"),
	"ai":   setOf("pdf", "png", "jpg", "tiff"),
	"eps":  setOf("pdf", "png", "jpg", "tiff"),
	"svg":  setOf("png", "jpg", "pdf", "webp", "gif", "tiff", "bmp"),
	"pdf":  setOf("png", "jpg", "tiff", "gif", "webp"),
	"cr2":  setOf("jpg", "png", "tiff", "webp"),
	"nef":  setOf("jpg", "png", "tiff", "webp"),
	"arw":  setOf("jpg", "png", "tiff", "webp"),
	"dng":  setOf("jpg", "png", "tiff", "webp"),
	"heic": setOf("jpg", "png", "webp", "tiff", "pdf"),
	"heif": setOf("jpg", "png", "webp", "tiff", "pdf"),
}

// vectorInputs are rasterised at a fixed density.
var vectorInputs = setOf("svg", "pdf", "eps", "ai")

// firstFrameInputs may contain several pages, layers or frames.
var firstFrameInputs = setOf("pdf", "psd")

// multiFrameInputs hold animations or page sequences that collapse to one
// frame unless the target can carry several.
var multiFrameInputs = setOf("gif", "tiff", "webp", "ico")

var multiFrameOutputs = setOf("gif", "webp", "tiff", "pdf")

// opaqueOutputs cannot store transparency.
var opaqueOutputs = setOf("jpg", "bmp", "ppm", "pgm", "pbm", "pnm")

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		m[i] = true
	}
	return m
}

// canConvert applies the static format tables.
func canConvert(in, out string) bool {
	if !readable[in] || !writable[out] {
		return false
	}
	if allowed, ok := restrictedOutputs[in]; ok {
		return allowed[out]
	}
	return true
}
