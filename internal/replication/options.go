package replication

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

var validate = validator.New()

type Direction int

const (
	Pull Direction = iota
	Push
)

func (d Direction) String() string {
	if d == Push {
		return "push"
	}
	return "pull"
}

// Options configures one replicator.
type Options struct {
	Direction  Direction
	Continuous bool

	BatchSize      int           `validate:"min=1,max=10000"`
	MaxInFlight    int           `validate:"min=1,max=64"`
	MaxRetries     int           `validate:"gte=0,lte=100"`
	RequestTimeout time.Duration `validate:"gt=0"`
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=InitialBackoff"`
	PollInterval   time.Duration `validate:"gt=0"`
	// RequestsPerSecond paces peer requests; zero disables pacing.
	RequestsPerSecond float64 `validate:"gte=0"`

	// Filter restricts the documents taken from the source. A Func filter
	// needs a local source, so it only applies to push.
	Filter Filter

	// Headers are added to every HTTP request of the transport.
	Headers http.Header
}

func DefaultOptions() Options {
	return Options{
		Direction:      Pull,
		BatchSize:      100,
		MaxInFlight:    4,
		MaxRetries:     5,
		RequestTimeout: 30 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		PollInterval:   5 * time.Second,
	}
}

func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: replication options: %v", model.ErrValidation, err)
	}
	if o.Direction == Pull && o.Filter.Func != nil {
		return fmt.Errorf("%w: filter functions only apply to push replication", model.ErrValidation)
	}
	return nil
}
