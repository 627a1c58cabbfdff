package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Recorder accepts telemetry samples from the poller
type Recorder interface {
	Record(ctx context.Context, sample *Sample) error
	Close() error
}

// Repository persists samples
type Repository interface {
	Record(sample *Sample) error
	Recent(limit int) ([]Sample, error)
	Flush() error
	Close() error
}

// Sample is one fully successful poll cycle, reduced to the figures worth
// keeping over time.
type Sample struct {
	CycleID   uuid.UUID
	Timestamp time.Time
	Power     PowerSample
	Fans      FanSample
	PSU       PSUSample
	CPU       CPUSample
}

type PowerSample struct {
	On bool
}

type FanSample struct {
	Manual         bool
	PowerW         int
	AveragePercent int
	MaxRPM         int
}

type PSUSample struct {
	ReadingW int
	InputW   int
	OutputW  int
}

type CPUSample struct {
	MaxC     float64
	AverageC float64
}
