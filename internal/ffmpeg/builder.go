package ffmpeg

import (
	"strconv"
	"strings"

	"github.com/leftsky/left-tools-service-sub000/internal/process"
)

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputs     []string
	filters    []string
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:    ffmpegPath,
		logLevel:  "error",
		overwrite: true,
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// Threads limits encoder threads; zero leaves the ffmpeg default.
func (b *CommandBuilder) Threads(n int) *CommandBuilder {
	if n > 0 {
		b.outputArgs = append(b.outputArgs, "-threads", strconv.Itoa(n))
	}
	return b
}

// Input adds an input file.
func (b *CommandBuilder) Input(path string) *CommandBuilder {
	b.inputs = append(b.inputs, path)
	return b
}

// VideoFilter appends a filter to the -vf chain. Empty filters are ignored.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	if filter != "" {
		b.filters = append(b.filters, filter)
	}
	return b
}

// FilterComplex sets a full filter graph, replacing the -vf chain.
func (b *CommandBuilder) FilterComplex(graph string) *CommandBuilder {
	b.filterArgs = []string{"-filter_complex", graph}
	return b
}

// NoAudio strips audio streams.
func (b *CommandBuilder) NoAudio() *CommandBuilder {
	return b.Args("-an")
}

// NoVideo strips video streams.
func (b *CommandBuilder) NoVideo() *CommandBuilder {
	return b.Args("-vn")
}

// VideoCodec sets the video encoder.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	return b.Args("-c:v", codec)
}

// Map adds a -map selector.
func (b *CommandBuilder) Map(spec string) *CommandBuilder {
	return b.Args("-map", spec)
}

// Args appends raw output arguments.
func (b *CommandBuilder) Args(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() process.Command {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}
	for _, in := range b.inputs {
		args = append(args, "-i", in)
	}
	switch {
	case len(b.filterArgs) > 0:
		args = append(args, b.filterArgs...)
	case len(b.filters) > 0:
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return process.Command{Binary: b.binary, Args: args}
}
