package libreoffice

// Family is a LibreOffice application family.
type Family string

const (
	FamilyWriter  Family = "writer"
	FamilyCalc    Family = "calc"
	FamilyImpress Family = "impress"
	FamilyDraw    Family = "draw"
)

var families = map[string]Family{
	"doc": FamilyWriter, "docx": FamilyWriter, "odt": FamilyWriter, "rtf": FamilyWriter,
	"txt": FamilyWriter, "html": FamilyWriter, "htm": FamilyWriter, "wpd": FamilyWriter,
	"wps": FamilyWriter, "dot": FamilyWriter, "dotx": FamilyWriter, "fodt": FamilyWriter,

	"xls": FamilyCalc, "xlsx": FamilyCalc, "ods": FamilyCalc, "csv": FamilyCalc,
	"fods": FamilyCalc, "xlsm": FamilyCalc,

	"ppt": FamilyImpress, "pptx": FamilyImpress, "odp": FamilyImpress, "pps": FamilyImpress,
	"ppsx": FamilyImpress, "key": FamilyImpress, "fodp": FamilyImpress,

	"odg": FamilyDraw, "vsd": FamilyDraw, "vsdx": FamilyDraw, "fodg": FamilyDraw,
}

// universalTargets are accepted from any known document.
var universalTargets = map[string]bool{"pdf": true, "txt": true, "rtf": true, "html": true}

// imageTargets go through PDF and a rasterizer.
var imageTargets = map[string]bool{"png": true, "jpg": true}

// readOnly lists family formats LibreOffice imports but cannot export.
var readOnly = map[string]bool{"wpd": true, "wps": true, "key": true, "vsd": true, "vsdx": true}

// FamilyOf returns the document family of a format.
func FamilyOf(format string) (Family, bool) {
	f, ok := families[format]
	return f, ok
}

// canConvert reports whether in -> out is an accepted conversion.
func canConvert(in, out string) bool {
	inFamily, ok := families[in]
	if !ok {
		return false
	}
	if universalTargets[out] || imageTargets[out] {
		return true
	}
	if readOnly[out] {
		return false
	}
	outFamily, ok := families[out]
	if !ok {
		return false
	}
	if inFamily == outFamily {
		return true
	}
	return inFamily == FamilyWriter && outFamily == FamilyImpress
}

// convertTarget returns the --convert-to argument for a target format.
func convertTarget(inFamily Family, out string) string {
	switch out {
	case "txt":
		if inFamily == FamilyCalc {
			return "txt:Text - txt - csv (StarCalc)"
		}
		return "txt:Text (encoded):UTF8"
	case "html":
		switch inFamily {
		case FamilyCalc:
			return "html:HTML (StarCalc)"
		case FamilyImpress:
			return "html:impress_html_Export"
		case FamilyDraw:
			return "html:draw_html_Export"
		}
		return "html:XHTML Writer File:UTF8"
	case "csv":
		return "csv:Text - txt - csv (StarCalc):44,34,76"
	}
	return out
}
