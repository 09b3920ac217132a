// Package testutil provides test utilities including sample task generation.
package testutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
)

// Fictional file stems for generated tasks.
var (
	FileStems = []string{
		"quarterly-report",
		"holiday-clip",
		"scan-0042",
		"board-minutes",
		"product-shot",
		"interview-raw",
		"poster-draft",
		"voice-memo",
	}

	// FormatPairs are conversions every local engine family can serve.
	FormatPairs = [][2]string{
		{"png", "jpg"},
		{"jpg", "webp"},
		{"mov", "mp4"},
		{"wav", "mp3"},
		{"docx", "pdf"},
		{"xlsx", "pdf"},
	}
)

// SampleDataGenerator builds conversion tasks for tests.
type SampleDataGenerator struct {
	rng *rand.Rand
}

// NewSampleDataGenerator creates a new sample data generator with a random seed.
func NewSampleDataGenerator() *SampleDataGenerator {
	return &SampleDataGenerator{
		rng: rand.New(rand.NewSource(rand.Int63())),
	}
}

// NewSampleDataGeneratorWithSeed creates a new generator with a fixed seed for reproducibility.
func NewSampleDataGeneratorWithSeed(seed int64) *SampleDataGenerator {
	return &SampleDataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// RandomStem returns a random file stem.
func (g *SampleDataGenerator) RandomStem() string {
	return FileStems[g.rng.Intn(len(FileStems))]
}

// RandomPair returns a random input and output format.
func (g *SampleDataGenerator) RandomPair() (string, string) {
	pair := FormatPairs[g.rng.Intn(len(FormatPairs))]
	return pair[0], pair[1]
}

// URLTask returns a task that downloads its input from baseURL.
func (g *SampleDataGenerator) URLTask(baseURL, inputFormat, outputFormat string) *models.ConversionTask {
	filename := fmt.Sprintf("%s.%s", g.RandomStem(), inputFormat)
	return &models.ConversionTask{
		Status:        models.TaskStatusWaiting,
		InputMethod:   models.InputMethodURL,
		InputLocation: baseURL + "/" + filename,
		Filename:      filename,
		InputFormat:   inputFormat,
		OutputFormat:  outputFormat,
	}
}

// RawTask returns a task carrying data inline.
func (g *SampleDataGenerator) RawTask(data []byte, inputFormat, outputFormat string) *models.ConversionTask {
	return &models.ConversionTask{
		Status:       models.TaskStatusWaiting,
		InputMethod:  models.InputMethodRawBytes,
		InputData:    data,
		Filename:     fmt.Sprintf("%s.%s", g.RandomStem(), inputFormat),
		InputFormat:  inputFormat,
		OutputFormat: outputFormat,
	}
}

// Base64Task returns a task carrying base64 encoded data.
func (g *SampleDataGenerator) Base64Task(data []byte, inputFormat, outputFormat string) *models.ConversionTask {
	task := g.RawTask([]byte(base64.StdEncoding.EncodeToString(data)), inputFormat, outputFormat)
	task.InputMethod = models.InputMethodBase64
	return task
}

// RandomTasks returns count inline tasks with random format pairs.
func (g *SampleDataGenerator) RandomTasks(count int) []*models.ConversionTask {
	tasks := make([]*models.ConversionTask, count)
	for i := range tasks {
		in, out := g.RandomPair()
		tasks[i] = g.RawTask([]byte(fmt.Sprintf("payload-%d", g.rng.Int63())), in, out)
	}
	return tasks
}

// CreateTask persists task and fails the test on error.
func CreateTask(t *testing.T, repo repository.TaskRepository, task *models.ConversionTask) *models.ConversionTask {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), task))
	return task
}

// Reload fetches the current state of task.
func Reload(t *testing.T, repo repository.TaskRepository, id models.ULID) *models.ConversionTask {
	t.Helper()
	task, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}
